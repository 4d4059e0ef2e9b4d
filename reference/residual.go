package reference

import (
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-basket-cavi/cavi"
	"github.com/n0madic/go-basket-cavi/state"
)

// Residual sets E[eps_alpha] = mu_alpha - E[x^T beta] - E[h^T gamma].
func Residual(q *state.State, env *cavi.Env) error {
	q.EpsAlpha.Sub(q.MuAlpha, predictions(q, env.Data))
	return nil
}

// ResidualSumSq sets E sum_b eps_bm^2 per factor. The coefficient second
// moments enter through tr(E[beta beta^T] sum_b x_b x_b^T), so the value is
// larger than the sum of squared expected residuals.
func ResidualSumSq(q *state.State, env *cavi.Env) error {
	d := env.Data
	var xtot, htot mat.SymDense
	xtot.AddSym(d.XOuterSumFirst, d.XOuterSumNotFirst)
	htot.AddSym(d.HOuterSumFirst, d.HOuterSumNotFirst)

	var xb, hg mat.Dense
	xb.Mul(d.X, q.Beta)
	hg.Mul(d.HPerBasket, q.Gamma)

	for m := 0; m < q.Dims.M; m++ {
		s := traceProduct(q.BetaOuter.At(m), &xtot) + traceProduct(q.GammaOuter.At(m), &htot)
		for b := 0; b < q.Dims.B; b++ {
			x, h := xb.At(b, m), hg.At(b, m)
			s += q.AlphaSq.At(b, m) - 2*q.MuAlpha.At(b, m)*(x+h) + 2*x*h
		}
		q.SumEpsAlphaSq.SetVec(m, s)
	}
	return nil
}
