package reference

import (
	"math"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-basket-cavi/cavi"
	"github.com/n0madic/go-basket-cavi/dataset"
	"github.com/n0madic/go-basket-cavi/state"
)

var log2Pi = math.Log(2 * math.Pi)

// Local updates q(z) for every purchase, then q(alpha) basket by basket
// with accept/reject steps on the mean and the log variance.
func Local(q *state.State, env *cavi.Env, aux *cavi.LocalAux, scratch *cavi.Scratch, tallies *cavi.Tallies) error {
	d := env.Data
	tuning := env.Tuning
	if tuning.InitStep <= 0 {
		tuning = cavi.DefaultTuning()
	}

	updateZ(q, d, scratch.ThetaZ)

	prec := priorPrecision(q.TauAlpha, aux)
	pred := predictions(q, d)
	b := basketStep{
		m:      q.Dims.M,
		prec:   prec,
		tuning: tuning,
		mu:     make([]float64, q.Dims.M),
		s2:     make([]float64, q.Dims.M),
		work:   make([]float64, q.Dims.M),
	}
	for ib := range d.TotalBaskets {
		b.update(q, ib, d.DimN[ib], pred.RawRowView(ib), tallies)
	}
	return nil
}

// updateZ sets the responsibilities of every purchase and the counts and
// entropies derived from them.
func updateZ(q *state.State, d *dataset.Data, theta *mat.Dense) {
	m := q.Dims.M
	q.CountsBasket.Zero()
	q.CountsPhi.Zero()
	logits := make([]float64, m)
	for ib, r := range d.BasketToPurchase {
		mu := q.MuAlpha.RawRowView(ib)
		counts := q.CountsBasket.RawRowView(ib)
		entropy := 0.0
		for n := r.Lo; n < r.Hi; n++ {
			j := d.Y[n]
			logPhi := q.LogPhi.RawRowView(j)
			for k := range logits {
				logits[k] = logPhi[k] + mu[k]
			}
			lse := floats.LogSumExp(logits)
			row := theta.RawRowView(n)
			phiCounts := q.CountsPhi.RawRowView(j)
			for k := range logits {
				logP := logits[k] - lse
				p := math.Exp(logP)
				row[k] = p
				if p > 0 {
					entropy -= p * logP
				}
				counts[k] += p
				phiCounts[k] += p
			}
		}
		q.EntropyZ.SetVec(ib, entropy)
	}
}

// priorPrecision rebuilds diag(tau) + Lambda_kappa from the whitening
// auxiliaries: with W = U^T L^-1, Lambda_mk = tau_m tau_k sum_l v_l W_lm W_lk.
func priorPrecision(tau *mat.VecDense, aux *cavi.LocalAux) *mat.Dense {
	m := tau.Len()
	p := mat.NewDense(m, m, nil)
	for i := 0; i < m; i++ {
		for k := 0; k < m; k++ {
			s := 0.0
			for l, v := range aux.V {
				s += v * aux.UTLinv.At(l, i) * aux.UTLinv.At(l, k)
			}
			val := tau.AtVec(i) * tau.AtVec(k) * s
			if i == k {
				val += tau.AtVec(i)
			}
			p.Set(i, k, val)
		}
	}
	return p
}

// predictions returns E[x_b^T beta_m + h_b^T gamma_m] for every basket.
func predictions(q *state.State, d *dataset.Data) *mat.Dense {
	var xb, hg mat.Dense
	xb.Mul(d.X, q.Beta)
	hg.Mul(d.HPerBasket, q.Gamma)
	xb.Add(&xb, &hg)
	return &xb
}

// basketStep holds the buffers of the per-basket alpha update.
type basketStep struct {
	m      int
	prec   *mat.Dense
	tuning cavi.Tuning
	mu     []float64
	s2     []float64
	work   []float64
}

// objective returns the part of the lower bound that depends on q(alpha_b).
func (b *basketStep) objective(counts []float64, nb float64, pred []float64) float64 {
	f := 0.0
	for k := 0; k < b.m; k++ {
		f += counts[k] * b.mu[k]
		b.work[k] = b.mu[k] + 0.5*b.s2[k]
	}
	f -= nb * floats.LogSumExp(b.work)
	for i := 0; i < b.m; i++ {
		di := b.mu[i] - pred[i]
		for k := 0; k < b.m; k++ {
			f -= 0.5 * b.prec.At(i, k) * di * (b.mu[k] - pred[k])
		}
		f -= 0.5 * b.prec.At(i, i) * b.s2[i]
		f += 0.5 * math.Log(b.s2[i])
	}
	return f
}

// softmaxWeight returns exp(mu_k + s2_k/2) / sum_j exp(mu_j + s2_j/2).
func (b *basketStep) softmaxWeight(k int) float64 {
	for j := 0; j < b.m; j++ {
		b.work[j] = b.mu[j] + 0.5*b.s2[j]
	}
	return math.Exp(b.work[k] - floats.LogSumExp(b.work))
}

// search halves the step until the objective improves on f0. It returns the
// accepted step and objective, or zero and f0.
func (b *basketStep) search(f0, delta float64, eval func(step float64) float64) (float64, float64) {
	step := b.tuning.InitStep
	for range b.tuning.MaxHalvings + 1 {
		if math.Abs(step*delta) < b.tuning.StepTol {
			break
		}
		if f := eval(step); f > f0 {
			return step, f
		}
		step /= 2
	}
	return 0, f0
}

func (b *basketStep) update(q *state.State, ib int, nb float64, pred []float64, tallies *cavi.Tallies) {
	copy(b.mu, q.MuAlpha.RawRowView(ib))
	copy(b.s2, q.SigmaSqAlpha.RawRowView(ib))
	counts := q.CountsBasket.RawRowView(ib)
	stepMu := q.StepMuAlpha.RawRowView(ib)
	stepLogSigma := q.StepLogSigmaAlpha.RawRowView(ib)

	f := b.objective(counts, nb, pred)
	for k := 0; k < b.m; k++ {
		// Newton direction on the mean
		s := b.softmaxWeight(k)
		g := counts[k] - nb*s
		for j := 0; j < b.m; j++ {
			g -= b.prec.At(k, j) * (b.mu[j] - pred[j])
		}
		delta := g / (nb*s*(1-s) + b.prec.At(k, k))
		mu0 := b.mu[k]
		var step float64
		step, f = b.search(f, delta, func(step float64) float64 {
			b.mu[k] = mu0 + step*delta
			v := b.objective(counts, nb, pred)
			b.mu[k] = mu0
			return v
		})
		if step != 0 {
			b.mu[k] = mu0 + step*delta
		}
		stepMu[k] = step

		// fixed point of the variance, taken in log space
		s = b.softmaxWeight(k)
		s20 := b.s2[k]
		logS20 := math.Log(s20)
		deltaLog := -math.Log(b.prec.At(k, k)+nb*s) - logS20
		var stepLog float64
		stepLog, f = b.search(f, deltaLog, func(step float64) float64 {
			b.s2[k] = math.Exp(logS20 + step*deltaLog)
			v := b.objective(counts, nb, pred)
			b.s2[k] = s20
			return v
		})
		if stepLog != 0 {
			b.s2[k] = math.Exp(logS20 + stepLog*deltaLog)
		}
		stepLogSigma[k] = stepLog

		switch {
		case step != 0 && stepLog != 0:
			tallies.UpdatedBoth[ib]++
		case step != 0:
			tallies.UpdatedMu[ib]++
		case stepLog != 0:
			tallies.UpdatedSigmaSq[ib]++
		}
	}

	writeAlpha(q, ib, b.mu, b.s2, b.work)
}

// writeAlpha stores q(alpha_b) and every quantity derived from it.
func writeAlpha(q *state.State, ib int, mu, s2, work []float64) {
	copy(q.MuAlpha.RawRowView(ib), mu)
	copy(q.SigmaSqAlpha.RawRowView(ib), s2)
	sq := q.AlphaSq.RawRowView(ib)
	entropy := 0.0
	for k := range mu {
		sq[k] = mu[k]*mu[k] + s2[k]
		work[k] = mu[k] + 0.5*s2[k]
		entropy += 0.5 * (1 + log2Pi + math.Log(s2[k]))
	}
	q.LogThetaDenom.SetVec(ib, floats.LogSumExp(work))
	q.EntropyAlpha.SetVec(ib, entropy)
}
