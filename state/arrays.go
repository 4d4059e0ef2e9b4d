package state

import "gonum.org/v1/gonum/mat"

// Array is a named flat view over one State array. Data aliases the state's
// storage in row-major order.
type Array struct {
	Name  string
	Shape []int
	Data  []float64
}

// Size returns the element count implied by Shape.
func (a Array) Size() int {
	n := 1
	for _, s := range a.Shape {
		n *= s
	}
	return n
}

func denseArray(name string, m *mat.Dense) Array {
	r, c := m.Dims()
	raw := m.RawMatrix()
	return Array{Name: name, Shape: []int{r, c}, Data: raw.Data[:r*c]}
}

func vecArray(name string, v *mat.VecDense) Array {
	return Array{Name: name, Shape: []int{v.Len()}, Data: v.RawVector().Data[:v.Len()]}
}

func stackArray(name string, s *Stack) Array {
	n, r, c := s.Dims()
	return Array{Name: name, Shape: []int{n, r, c}, Data: s.RawData()}
}

// Arrays returns views over every named array in a fixed order.
func (q *State) Arrays() []Array {
	out := []Array{
		denseArray("counts_basket", q.CountsBasket),
		vecArray("entropy_q_z", q.EntropyZ),
		denseArray("counts_phi", q.CountsPhi),

		denseArray("mu_q_alpha", q.MuAlpha),
		denseArray("sigma_sq_q_alpha", q.SigmaSqAlpha),
		denseArray("ss_mu_q_alpha", q.StepMuAlpha),
		denseArray("ss_log_sigma_q_alpha", q.StepLogSigmaAlpha),
		denseArray("ev_q_alpha_sq", q.AlphaSq),
		vecArray("log_theta_denom", q.LogThetaDenom),
		vecArray("entropy_q_alpha", q.EntropyAlpha),

		denseArray("mu_q_kappa", q.Kappa),
		denseArray("ev_q_kappa_sq", q.KappaSq),
		stackArray("ev_q_kappa_outer", q.KappaOuter),
		vecArray("entropy_q_kappa", q.EntropyKappa),

		denseArray("ev_q_eps_alpha", q.EpsAlpha),
		vecArray("ev_q_sum_eps_alpha_sq", q.SumEpsAlphaSq),
	}
	for _, b := range Blocks() {
		out = append(out, b.arrays(q)...)
	}
	return out
}

// Array returns the view named name.
func (q *State) Array(name string) (Array, bool) {
	for _, a := range q.Arrays() {
		if a.Name == name {
			return a, true
		}
	}
	return Array{}, false
}

// arrays returns the views owned by b, its -KL term last.
func (b Block) arrays(q *State) []Array {
	var out []Array
	switch b {
	case Phi:
		out = []Array{
			denseArray("eta_q_phi", q.EtaPhi),
			denseArray("ev_q_log_phi", q.LogPhi),
		}
	case Beta:
		out = []Array{
			stackArray("eta_q_beta", q.EtaBeta),
			denseArray("mu_q_beta", q.Beta),
			stackArray("ev_q_beta_outer", q.BetaOuter),
		}
	case Gamma:
		out = []Array{
			stackArray("eta_q_gamma", q.EtaGamma),
			denseArray("mu_q_gamma", q.Gamma),
			stackArray("ev_q_gamma_outer", q.GammaOuter),
		}
	case Rho:
		out = []Array{
			stackArray("eta_q_rho", q.EtaRho),
			denseArray("mu_q_rho", q.Rho),
			stackArray("ev_q_rho_outer", q.RhoOuter),
		}
	case Delta:
		out = []Array{
			denseArray("eta_q_delta", q.EtaDelta),
			vecArray("mu_q_delta", q.Delta),
			vecArray("ev_q_delta_sq", q.DeltaSq),
		}
	case DeltaKappa:
		out = []Array{
			denseArray("eta_q_delta_kappa", q.EtaDeltaKappa),
			vecArray("mu_q_delta_kappa", q.DeltaKappa),
			vecArray("ev_q_delta_kappa_sq", q.DeltaKappaSq),
		}
	case DeltaBeta:
		out = []Array{
			denseArray("eta_q_delta_beta", q.EtaDeltaBeta),
			vecArray("mu_q_delta_beta", q.DeltaBeta),
			vecArray("ev_q_delta_beta_sq", q.DeltaBetaSq),
		}
	case DeltaGamma:
		out = []Array{
			denseArray("eta_q_delta_gamma", q.EtaDeltaGamma),
			vecArray("mu_q_delta_gamma", q.DeltaGamma),
			vecArray("ev_q_delta_gamma_sq", q.DeltaGammaSq),
		}
	case TauAlpha:
		out = []Array{
			denseArray("eta_q_tau_alpha", q.EtaTauAlpha),
			vecArray("ev_q_tau_alpha", q.TauAlpha),
			vecArray("ev_q_log_tau_alpha", q.LogTauAlpha),
		}
	case MuKappa:
		out = []Array{
			denseArray("eta_q_mu_kappa", q.EtaMuKappa),
			vecArray("mu_q_mu_kappa", q.MuKappa),
			denseArray("ev_q_mu_kappa_outer", q.MuKappaOuter),
		}
	case LambdaKappa:
		out = []Array{
			denseArray("eta_q_lambda_kappa", q.EtaLambdaKappa),
			denseArray("ev_q_lambda_kappa", q.LambdaKappa),
			vecArray("ev_q_log_det_lambda_kappa", q.LogDetLambdaKappa),
		}
	}
	return append(out, Array{
		Name:  "negative_kl_q_p_" + b.String(),
		Shape: []int{},
		Data:  q.NegKL[b : b+1],
	})
}
