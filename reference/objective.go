package reference

import (
	"fmt"
	"math"

	"github.com/n0madic/go-basket-cavi/cavi"
	"github.com/n0madic/go-basket-cavi/objective"
	"github.com/n0madic/go-basket-cavi/state"
)

// Objective term names, in log column order.
const (
	TermLoglikY       = "loglik_y"
	TermLoglikZ       = "loglik_z"
	TermEntropyZ      = "entropy_z"
	TermLoglikAlpha   = "loglik_alpha"
	TermEntropyAlpha  = "entropy_alpha"
	TermNegKLPhi      = "negkl_phi"
	TermNegKLBeta     = "negkl_beta"
	TermNegKLGamma    = "negkl_gamma"
	TermNegKLTauAlpha = "negkl_tau_alpha"
)

// Objective evaluates the lower bound of the reference model.
func Objective(q *state.State, env *cavi.Env) (objective.Record, error) {
	d := env.Data
	nm := q.Dims.M

	loglikY := 0.0
	for j := 0; j < q.Dims.J; j++ {
		for m := 0; m < nm; m++ {
			loglikY += q.CountsPhi.At(j, m) * q.LogPhi.At(j, m)
		}
	}

	loglikZ, entropyZ, entropyAlpha := 0.0, 0.0, 0.0
	for b := 0; b < q.Dims.B; b++ {
		for m := 0; m < nm; m++ {
			loglikZ += q.CountsBasket.At(b, m) * q.MuAlpha.At(b, m)
		}
		loglikZ -= d.DimN[b] * q.LogThetaDenom.AtVec(b)
		entropyZ += q.EntropyZ.AtVec(b)
		entropyAlpha += q.EntropyAlpha.AtVec(b)
	}

	nb := float64(q.Dims.B)
	loglikAlpha := -0.5 * nb * float64(nm) * log2Pi
	for m := 0; m < nm; m++ {
		loglikAlpha += 0.5*nb*q.LogTauAlpha.AtVec(m) - 0.5*q.TauAlpha.AtVec(m)*q.SumEpsAlphaSq.AtVec(m)
	}

	rec := objective.NewRecord(
		objective.Term{Name: TermLoglikY, Value: loglikY},
		objective.Term{Name: TermLoglikZ, Value: loglikZ},
		objective.Term{Name: TermEntropyZ, Value: entropyZ},
		objective.Term{Name: TermLoglikAlpha, Value: loglikAlpha},
		objective.Term{Name: TermEntropyAlpha, Value: entropyAlpha},
		objective.Term{Name: TermNegKLPhi, Value: q.NegKL[state.Phi]},
		objective.Term{Name: TermNegKLBeta, Value: q.NegKL[state.Beta]},
		objective.Term{Name: TermNegKLGamma, Value: q.NegKL[state.Gamma]},
		objective.Term{Name: TermNegKLTauAlpha, Value: q.NegKL[state.TauAlpha]},
	)
	for _, t := range rec.Terms {
		if math.IsNaN(t.Value) || math.IsInf(t.Value, 0) {
			return objective.Record{}, fmt.Errorf("objective term %s is %v", t.Name, t.Value)
		}
	}
	return rec, nil
}
