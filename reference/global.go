package reference

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/mathext"

	"github.com/n0madic/go-basket-cavi/cavi"
	"github.com/n0madic/go-basket-cavi/state"
)

// UpdatePhi sets q(phi_m) = Dir(eta_phi + expected product counts).
func UpdatePhi(q *state.State, env *cavi.Env) error {
	eta0 := env.Prior.EtaPhi
	if !(eta0 > 0) {
		return fmt.Errorf("phi prior concentration must be positive, got %v", eta0)
	}
	nj, nm := q.EtaPhi.Dims()
	col := make([]float64, nj)
	negKL := 0.0
	for m := 0; m < nm; m++ {
		sum := 0.0
		for j := range col {
			col[j] = eta0 + q.CountsPhi.At(j, m)
			q.EtaPhi.Set(j, m, col[j])
			sum += col[j]
		}
		dgSum := mathext.Digamma(sum)
		for j, eta := range col {
			q.LogPhi.Set(j, m, mathext.Digamma(eta)-dgSum)
		}
		negKL -= klDirichlet(col, eta0)
	}
	q.NegKL[state.Phi] = negKL
	return nil
}

// UpdateBeta regresses the basket weights, net of the customer term, on the
// trip covariates.
func UpdateBeta(q *state.State, env *cavi.Env) error {
	d := env.Data
	var hg, target mat.Dense
	hg.Mul(d.HPerBasket, q.Gamma)
	target.Sub(q.MuAlpha, &hg)

	var outer mat.SymDense
	outer.AddSym(d.XOuterSumFirst, d.XOuterSumNotFirst)

	negKL, err := regress(d.X, &outer, &target, q.TauAlpha, env.Prior.BetaPrecision, q.EtaBeta, q.Beta, q.BetaOuter)
	if err != nil {
		return err
	}
	q.NegKL[state.Beta] = negKL
	return nil
}

// UpdateGamma regresses the basket weights, net of the trip term, on the
// customer covariates of each basket.
func UpdateGamma(q *state.State, env *cavi.Env) error {
	d := env.Data
	var xb, target mat.Dense
	xb.Mul(d.X, q.Beta)
	target.Sub(q.MuAlpha, &xb)

	var outer mat.SymDense
	outer.AddSym(d.HOuterSumFirst, d.HOuterSumNotFirst)

	negKL, err := regress(d.HPerBasket, &outer, &target, q.TauAlpha, env.Prior.GammaPrecision, q.EtaGamma, q.Gamma, q.GammaOuter)
	if err != nil {
		return err
	}
	q.NegKL[state.Gamma] = negKL
	return nil
}

// regress computes the Gaussian posterior of one coefficient column per
// factor under an isotropic prior of precision prec:
//
//	Lambda_m = prec I + tau_m design^T design
//	mean_m   = Lambda_m^-1 tau_m design^T target_m
//
// and writes the natural parameters, the means and the second moments. It
// returns the summed -KL against the prior.
func regress(design mat.Matrix, outer mat.Symmetric, target *mat.Dense, tau *mat.VecDense,
	prec float64, eta *state.Stack, mean *mat.Dense, second *state.Stack) (float64, error) {
	if !(prec > 0) {
		return 0, fmt.Errorf("coefficient prior precision must be positive, got %v", prec)
	}
	dim := outer.SymmetricDim()
	_, nm := target.Dims()

	lambda := mat.NewSymDense(dim, nil)
	rhs := mat.NewVecDense(dim, nil)
	var mv mat.VecDense
	var cov mat.SymDense
	negKL := 0.0
	for m := 0; m < nm; m++ {
		t := tau.AtVec(m)
		for i := 0; i < dim; i++ {
			for j := 0; j <= i; j++ {
				v := t * outer.At(i, j)
				if i == j {
					v += prec
				}
				lambda.SetSym(i, j, v)
			}
		}
		rhs.MulVec(design.T(), target.ColView(m))
		rhs.ScaleVec(t, rhs)

		chol, err := safeChol(lambda)
		if err != nil {
			return 0, fmt.Errorf("factor %d: %w", m, err)
		}
		if err := chol.SolveVecTo(&mv, rhs); err != nil {
			return 0, fmt.Errorf("factor %d: %w", m, err)
		}
		if err := chol.InverseTo(&cov); err != nil {
			return 0, fmt.Errorf("factor %d: %w", m, err)
		}

		em := eta.At(m)
		s := second.At(m)
		for i := 0; i < dim; i++ {
			mean.Set(i, m, mv.AtVec(i))
			em.Set(i, dim, rhs.AtVec(i))
			for j := 0; j < dim; j++ {
				em.Set(i, j, lambda.At(i, j))
				s.Set(i, j, cov.At(i, j)+mv.AtVec(i)*mv.AtVec(j))
			}
		}

		// KL(N(mean, S) || N(0, I/prec)) with log det S = -log det Lambda
		fd := float64(dim)
		trS := 0.0
		for i := 0; i < dim; i++ {
			trS += cov.At(i, i)
		}
		kl := 0.5 * (prec*trS + prec*mat.Dot(&mv, &mv) - fd - fd*math.Log(prec) + chol.LogDet())
		negKL -= kl
	}
	return negKL, nil
}

// UpdateTauAlpha sets q(tau_m) = Gamma(a0 + B/2, b0 + E sum eps^2 / 2).
func UpdateTauAlpha(q *state.State, env *cavi.Env) error {
	a0, b0 := env.Prior.TauAlphaShape, env.Prior.TauAlphaRate
	if !(a0 > 0) || !(b0 > 0) {
		return fmt.Errorf("tau prior shape and rate must be positive, got %v and %v", a0, b0)
	}
	a := a0 + 0.5*float64(q.Dims.B)
	negKL := 0.0
	for m := 0; m < q.Dims.M; m++ {
		b := b0 + 0.5*q.SumEpsAlphaSq.AtVec(m)
		if !(b > 0) {
			return fmt.Errorf("factor %d: non-positive rate %v", m, b)
		}
		q.EtaTauAlpha.Set(m, 0, a)
		q.EtaTauAlpha.Set(m, 1, b)
		q.TauAlpha.SetVec(m, a/b)
		q.LogTauAlpha.SetVec(m, mathext.Digamma(a)-math.Log(b))
		negKL -= klGamma(a, b, a0, b0)
	}
	q.NegKL[state.TauAlpha] = negKL
	return nil
}

// klDirichlet returns KL(Dir(a) || Dir(b0 1)).
func klDirichlet(a []float64, b0 float64) float64 {
	sumA := 0.0
	for _, v := range a {
		sumA += v
	}
	dgSum := mathext.Digamma(sumA)
	lgSumA, _ := math.Lgamma(sumA)
	lgSumB, _ := math.Lgamma(b0 * float64(len(a)))
	lgB, _ := math.Lgamma(b0)
	kl := lgSumA - lgSumB + float64(len(a))*lgB
	for _, v := range a {
		lg, _ := math.Lgamma(v)
		kl += -lg + (v-b0)*(mathext.Digamma(v)-dgSum)
	}
	return kl
}

// klGamma returns KL(Gamma(a, b) || Gamma(a0, b0)) in the shape and rate
// parametrisation.
func klGamma(a, b, a0, b0 float64) float64 {
	lgA, _ := math.Lgamma(a)
	lgA0, _ := math.Lgamma(a0)
	return (a-a0)*mathext.Digamma(a) - lgA + lgA0 + a0*(math.Log(b)-math.Log(b0)) + a*(b0-b)/b
}
