package state

import (
	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-basket-cavi/dataset"
)

// Dims are the sizes every State array is shaped by.
type Dims struct {
	N  int // purchases
	B  int // baskets
	I  int // customers
	J  int // products
	M  int // latent factors
	Dx int // trip covariate width
	Dh int // customer covariate width
}

// DimsOf returns the dims of a state for data d with m latent factors.
func DimsOf(d *dataset.Data, m int) Dims {
	return Dims{
		N:  d.TotalPurchases,
		B:  d.TotalBaskets,
		I:  d.TotalCustomers,
		J:  d.DimJ,
		M:  m,
		Dx: d.DimX,
		Dh: d.DimH,
	}
}

// State is the variational posterior. Arrays are updated in place; the
// derived quantities (squares, outer products, entropies) must be rewritten
// together with the primary array they are derived from.
type State struct {
	Dims Dims

	// q(z): assignment statistics
	CountsBasket *mat.Dense    // expected factor counts per basket (B x M)
	EntropyZ     *mat.VecDense // entropy of q(z) per basket (B)
	CountsPhi    *mat.Dense    // expected factor counts per product (J x M)

	// q(alpha): basket-level factor weights
	MuAlpha           *mat.Dense    // (B x M)
	SigmaSqAlpha      *mat.Dense    // (B x M)
	StepMuAlpha       *mat.Dense    // last accepted mean step size (B x M)
	StepLogSigmaAlpha *mat.Dense    // last accepted log-variance step size (B x M)
	AlphaSq           *mat.Dense    // E[alpha^2] = mu^2 + sigma^2 (B x M)
	LogThetaDenom     *mat.VecDense // bound on E log sum exp(alpha) per basket (B)
	EntropyAlpha      *mat.VecDense // (B)

	// q(kappa): customer-level factor weights
	Kappa        *mat.Dense    // (I x M)
	KappaSq      *mat.Dense    // (I x M)
	KappaOuter   *Stack        // (I x M x M)
	EntropyKappa *mat.VecDense // (I)

	// residual of the basket weights after the regression terms
	EpsAlpha      *mat.Dense    // (B x M)
	SumEpsAlphaSq *mat.VecDense // E sum_ib eps^2 per factor (M)

	// q(phi): product distributions per factor
	EtaPhi *mat.Dense // Dirichlet parameters (J x M)
	LogPhi *mat.Dense // E log phi (J x M)

	// q(beta): trip covariate coefficients
	EtaBeta   *Stack     // natural parameters per factor (M x Dx x Dx+1)
	Beta      *mat.Dense // (Dx x M)
	BetaOuter *Stack     // E[beta_m beta_m^T] (M x Dx x Dx)

	// q(gamma): customer covariate coefficients
	EtaGamma   *Stack     // (M x Dh x Dh+1)
	Gamma      *mat.Dense // (Dh x M)
	GammaOuter *Stack     // (M x Dh x Dh)

	// q(rho): factor autoregression between consecutive baskets
	EtaRho   *Stack     // (M x M x M+1)
	Rho      *mat.Dense // (M x M)
	RhoOuter *Stack     // E[rho_m rho_m^T] (M x M x M)

	// scalar-per-factor multipliers
	EtaDelta      *mat.Dense    // (M x 2)
	Delta         *mat.VecDense // (M)
	DeltaSq       *mat.VecDense // (M)
	EtaDeltaKappa *mat.Dense    // (M x 2)
	DeltaKappa    *mat.VecDense // (M)
	DeltaKappaSq  *mat.VecDense // (M)
	EtaDeltaBeta  *mat.Dense    // (M x 2)
	DeltaBeta     *mat.VecDense // (M)
	DeltaBetaSq   *mat.VecDense // (M)
	EtaDeltaGamma *mat.Dense    // (M x 2)
	DeltaGamma    *mat.VecDense // (M)
	DeltaGammaSq  *mat.VecDense // (M)

	// q(tau_alpha): residual precision per factor
	EtaTauAlpha *mat.Dense    // Gamma shape and rate (M x 2)
	TauAlpha    *mat.VecDense // (M)
	LogTauAlpha *mat.VecDense // (M)

	// q(mu_kappa) and q(Lambda_kappa): customer weight prior
	EtaMuKappa        *mat.Dense    // (M x M+1)
	MuKappa           *mat.VecDense // (M)
	MuKappaOuter      *mat.Dense    // (M x M)
	EtaLambdaKappa    *mat.Dense    // Wishart scale and dof column (M x M+1)
	LambdaKappa       *mat.Dense    // (M x M)
	LogDetLambdaKappa *mat.VecDense // E log det Lambda_kappa (1)

	// NegKL holds -KL(q || p) for each global block.
	NegKL [NumBlocks]float64
}

// New allocates a zero state shaped by dims.
func New(dims Dims) *State {
	m := dims.M
	return &State{
		Dims: dims,

		CountsBasket: mat.NewDense(dims.B, m, nil),
		EntropyZ:     mat.NewVecDense(dims.B, nil),
		CountsPhi:    mat.NewDense(dims.J, m, nil),

		MuAlpha:           mat.NewDense(dims.B, m, nil),
		SigmaSqAlpha:      mat.NewDense(dims.B, m, nil),
		StepMuAlpha:       mat.NewDense(dims.B, m, nil),
		StepLogSigmaAlpha: mat.NewDense(dims.B, m, nil),
		AlphaSq:           mat.NewDense(dims.B, m, nil),
		LogThetaDenom:     mat.NewVecDense(dims.B, nil),
		EntropyAlpha:      mat.NewVecDense(dims.B, nil),

		Kappa:        mat.NewDense(dims.I, m, nil),
		KappaSq:      mat.NewDense(dims.I, m, nil),
		KappaOuter:   NewStack(dims.I, m, m),
		EntropyKappa: mat.NewVecDense(dims.I, nil),

		EpsAlpha:      mat.NewDense(dims.B, m, nil),
		SumEpsAlphaSq: mat.NewVecDense(m, nil),

		EtaPhi: mat.NewDense(dims.J, m, nil),
		LogPhi: mat.NewDense(dims.J, m, nil),

		EtaBeta:   NewStack(m, dims.Dx, dims.Dx+1),
		Beta:      mat.NewDense(dims.Dx, m, nil),
		BetaOuter: NewStack(m, dims.Dx, dims.Dx),

		EtaGamma:   NewStack(m, dims.Dh, dims.Dh+1),
		Gamma:      mat.NewDense(dims.Dh, m, nil),
		GammaOuter: NewStack(m, dims.Dh, dims.Dh),

		EtaRho:   NewStack(m, m, m+1),
		Rho:      mat.NewDense(m, m, nil),
		RhoOuter: NewStack(m, m, m),

		EtaDelta:      mat.NewDense(m, 2, nil),
		Delta:         mat.NewVecDense(m, nil),
		DeltaSq:       mat.NewVecDense(m, nil),
		EtaDeltaKappa: mat.NewDense(m, 2, nil),
		DeltaKappa:    mat.NewVecDense(m, nil),
		DeltaKappaSq:  mat.NewVecDense(m, nil),
		EtaDeltaBeta:  mat.NewDense(m, 2, nil),
		DeltaBeta:     mat.NewVecDense(m, nil),
		DeltaBetaSq:   mat.NewVecDense(m, nil),
		EtaDeltaGamma: mat.NewDense(m, 2, nil),
		DeltaGamma:    mat.NewVecDense(m, nil),
		DeltaGammaSq:  mat.NewVecDense(m, nil),

		EtaTauAlpha: mat.NewDense(m, 2, nil),
		TauAlpha:    mat.NewVecDense(m, nil),
		LogTauAlpha: mat.NewVecDense(m, nil),

		EtaMuKappa:        mat.NewDense(m, m+1, nil),
		MuKappa:           mat.NewVecDense(m, nil),
		MuKappaOuter:      mat.NewDense(m, m, nil),
		EtaLambdaKappa:    mat.NewDense(m, m+1, nil),
		LambdaKappa:       mat.NewDense(m, m, nil),
		LogDetLambdaKappa: mat.NewVecDense(1, nil),
	}
}

// Clone returns a deep copy of q.
func (q *State) Clone() *State {
	c := New(q.Dims)
	dst := c.Arrays()
	for k, a := range q.Arrays() {
		copy(dst[k].Data, a.Data)
	}
	return c
}

// Stack is a run of equally shaped matrices sharing one backing slice.
type Stack struct {
	rows, cols int
	data       []float64
	mats       []*mat.Dense
}

// NewStack allocates n zero matrices of r x c.
func NewStack(n, r, c int) *Stack {
	s := &Stack{
		rows: r,
		cols: c,
		data: make([]float64, n*r*c),
		mats: make([]*mat.Dense, n),
	}
	for k := range s.mats {
		s.mats[k] = mat.NewDense(r, c, s.data[k*r*c:(k+1)*r*c])
	}
	return s
}

// At returns the k-th matrix. It aliases the stack storage.
func (s *Stack) At(k int) *mat.Dense { return s.mats[k] }

// Len returns the number of matrices.
func (s *Stack) Len() int { return len(s.mats) }

// Dims returns the stack shape.
func (s *Stack) Dims() (n, r, c int) { return len(s.mats), s.rows, s.cols }

// RawData returns the backing slice.
func (s *Stack) RawData() []float64 { return s.data }
