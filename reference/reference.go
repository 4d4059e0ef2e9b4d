// Package reference provides a small, fully specified set of update
// procedures for the driver. The basket weights follow a Gaussian
// regression on the trip and customer covariates with a per-factor residual
// precision:
//
//	z_n | alpha_b ~ Cat(softmax(alpha_b))
//	y_n | z_n = m ~ Cat(phi_m)
//	alpha_bm      ~ N(x_b^T beta_m + h_i^T gamma_m, 1/tau_m)
//
// with Dirichlet, Gaussian and Gamma priors on phi, beta, gamma and tau. The
// remaining blocks are held at zero by Fixed. Every update is coordinate
// ascent on the lower bound, so the objective never decreases.
package reference

import (
	"errors"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mathext"

	"github.com/n0madic/go-basket-cavi/cavi"
	"github.com/n0madic/go-basket-cavi/dataset"
	"github.com/n0madic/go-basket-cavi/state"
)

// Procedures returns the reference update rules. Pair them with Fixed.
func Procedures() cavi.Procedures {
	var p cavi.Procedures
	p.Local = Local
	p.Blocks[state.Phi] = UpdatePhi
	p.Blocks[state.Beta] = UpdateBeta
	p.Blocks[state.Gamma] = UpdateGamma
	p.Blocks[state.TauAlpha] = UpdateTauAlpha
	p.Residual = Residual
	p.ResidualSumSq = ResidualSumSq
	p.Objective = Objective
	return p
}

// Unused lists the blocks the reference model does not update.
var Unused = []state.Block{
	state.Rho,
	state.Delta,
	state.DeltaKappa,
	state.DeltaBeta,
	state.DeltaGamma,
	state.MuKappa,
	state.LambdaKappa,
}

// Fixed freezes the unused blocks at their current values in q.
func Fixed(q *state.State) state.Fixed {
	return state.Snapshot(q, Unused...)
}

// Init returns a state for d with m factors, initialised from seed: random
// product weights, small random basket weights and every coefficient block
// at its prior. All derived quantities are consistent on return.
func Init(d *dataset.Data, m int, prior *cavi.Prior, seed int64) (*state.State, error) {
	if d == nil || prior == nil {
		return nil, errors.New("reference: data and prior are required")
	}
	if m < 1 {
		return nil, errors.New("reference: at least one factor is required")
	}
	if !(prior.BetaPrecision > 0) || !(prior.GammaPrecision > 0) {
		return nil, errors.New("reference: coefficient prior precisions must be positive")
	}
	if !(prior.TauAlphaShape > 0) || !(prior.TauAlphaRate > 0) {
		return nil, errors.New("reference: tau prior shape and rate must be positive")
	}
	rng := rand.New(rand.NewSource(seed))
	q := state.New(state.DimsOf(d, m))
	env := &cavi.Env{Data: d, Prior: prior, Tuning: cavi.DefaultTuning()}

	// q(phi) around the prior, with enough noise to break the factor symmetry
	for j := 0; j < q.Dims.J; j++ {
		for k := 0; k < m; k++ {
			q.CountsPhi.Set(j, k, rng.ExpFloat64())
		}
	}
	if err := UpdatePhi(q, env); err != nil {
		return nil, err
	}

	for b := 0; b < q.Dims.B; b++ {
		for k := 0; k < m; k++ {
			q.MuAlpha.Set(b, k, 0.1*rng.NormFloat64())
			q.SigmaSqAlpha.Set(b, k, 1)
		}
		writeAlpha(q, b, q.MuAlpha.RawRowView(b), q.SigmaSqAlpha.RawRowView(b), make([]float64, m))
	}
	updateZ(q, d, cavi.NewScratch(d, m).ThetaZ)

	atPrior(q.EtaBeta, q.BetaOuter, prior.BetaPrecision)
	atPrior(q.EtaGamma, q.GammaOuter, prior.GammaPrecision)

	for k := 0; k < m; k++ {
		a, b := prior.TauAlphaShape, prior.TauAlphaRate
		q.EtaTauAlpha.Set(k, 0, a)
		q.EtaTauAlpha.Set(k, 1, b)
		q.TauAlpha.SetVec(k, a/b)
		q.LogTauAlpha.SetVec(k, mathext.Digamma(a)-math.Log(b))
	}

	if err := Residual(q, env); err != nil {
		return nil, err
	}
	if err := ResidualSumSq(q, env); err != nil {
		return nil, err
	}
	return q, nil
}

// atPrior sets a coefficient block to N(0, I/prec): zero mean, natural
// parameters [prec I | 0] and second moments I/prec.
func atPrior(eta, second *state.Stack, prec float64) {
	n, dim, _ := second.Dims()
	for m := 0; m < n; m++ {
		em, s := eta.At(m), second.At(m)
		for i := 0; i < dim; i++ {
			em.Set(i, i, prec)
			s.Set(i, i, 1/prec)
		}
	}
}
