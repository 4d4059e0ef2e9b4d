package dataset

import (
	"errors"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// SimConfig describes a synthetic purchase history.
type SimConfig struct {
	Customers      int     // number of customers
	Products       int     // product catalogue size before relabelling
	Factors        int     // latent factors used to draw purchases
	MeanBaskets    float64 // mean number of repeat baskets per customer
	MeanItems      float64 // mean number of extra purchases per basket
	Concentration  float64 // Dirichlet concentration of each factor's products
	TripWidth      int     // columns of X
	CustomerWidth  int     // columns of H, the first one is an intercept
	CoefficientStd float64 // standard deviation of the true coefficients
	Seed           uint64
}

// DefaultSimConfig returns a small history suitable for examples and tests.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		Customers:      40,
		Products:       30,
		Factors:        3,
		MeanBaskets:    2,
		MeanItems:      4,
		Concentration:  0.3,
		TripWidth:      2,
		CustomerWidth:  2,
		CoefficientStd: 0.5,
		Seed:           1,
	}
}

// Simulate draws a purchase history from the basket model: every basket gets
// factor weights alpha_b ~ N(x_b^T beta + h_i^T gamma, 1), each purchase a
// factor z ~ softmax(alpha_b) and a product y ~ phi_z. Products that are
// never drawn are dropped and the rest relabelled densely, so the result
// always passes Build.
func Simulate(cfg SimConfig) (Raw, error) {
	if cfg.Customers < 1 || cfg.Products < 1 || cfg.Factors < 1 || cfg.TripWidth < 1 || cfg.CustomerWidth < 1 {
		return Raw{}, errors.New("simulate: sizes must be positive")
	}
	if !(cfg.Concentration > 0) || cfg.MeanBaskets < 0 || cfg.MeanItems < 0 {
		return Raw{}, errors.New("simulate: invalid rates")
	}
	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)
	std := distuv.Normal{Mu: 0, Sigma: 1, Src: src}
	coef := distuv.Normal{Mu: 0, Sigma: cfg.CoefficientStd, Src: src}

	products := make([]distuv.Categorical, cfg.Factors)
	gamma := distuv.Gamma{Alpha: cfg.Concentration, Beta: 1, Src: src}
	w := make([]float64, cfg.Products)
	for m := range products {
		for j := range w {
			w[j] = gamma.Rand() + 1e-12
		}
		products[m] = distuv.NewCategorical(w, src)
	}

	beta := mat.NewDense(cfg.TripWidth, cfg.Factors, nil)
	gammaCoef := mat.NewDense(cfg.CustomerWidth, cfg.Factors, nil)
	for _, c := range []*mat.Dense{beta, gammaCoef} {
		r, k := c.Dims()
		for i := 0; i < r; i++ {
			for j := 0; j < k; j++ {
				c.Set(i, j, coef.Rand())
			}
		}
	}

	h := mat.NewDense(cfg.Customers, cfg.CustomerWidth, nil)
	for i := 0; i < cfg.Customers; i++ {
		h.Set(i, 0, 1)
		for c := 1; c < cfg.CustomerWidth; c++ {
			h.Set(i, c, std.Rand())
		}
	}

	nBaskets := distuv.Poisson{Lambda: math.Max(cfg.MeanBaskets, 1e-9), Src: src}
	nItems := distuv.Poisson{Lambda: math.Max(cfg.MeanItems, 1e-9), Src: src}

	var (
		purchases []Purchase
		xRows     []float64
		basket    int
		x         = make([]float64, cfg.TripWidth)
		alpha     = make([]float64, cfg.Factors)
		weights   = make([]float64, cfg.Factors)
	)
	for i := 0; i < cfg.Customers; i++ {
		nb := 1 + int(nBaskets.Rand())
		for range nb {
			for c := range x {
				x[c] = std.Rand()
			}
			xRows = append(xRows, x...)
			for m := range alpha {
				mean := mat.Dot(mat.NewVecDense(cfg.TripWidth, x), beta.ColView(m)) +
					mat.Dot(h.RowView(i), gammaCoef.ColView(m))
				alpha[m] = mean + std.Rand()
			}
			lse := floats.LogSumExp(alpha)
			for m := range alpha {
				weights[m] = math.Exp(alpha[m] - lse)
			}
			factor := distuv.NewCategorical(weights, src)

			items := 1 + int(nItems.Rand())
			for range items {
				z := int(factor.Rand())
				purchases = append(purchases, Purchase{Customer: i, Basket: basket, Product: int(products[z].Rand())})
			}
			basket++
		}
	}

	relabelProducts(purchases)
	return Raw{
		Purchases: purchases,
		X:         mat.NewDense(basket, cfg.TripWidth, xRows),
		H:         h,
	}, nil
}

// relabelProducts maps the product ids that occur onto 0..J-1, keeping
// their order.
func relabelProducts(purchases []Purchase) {
	maxID := 0
	for _, p := range purchases {
		maxID = max(maxID, p.Product)
	}
	ids := make([]int, maxID+1)
	for k := range ids {
		ids[k] = -1
	}
	for _, p := range purchases {
		ids[p.Product] = 0
	}
	next := 0
	for k, v := range ids {
		if v == 0 {
			ids[k] = next
			next++
		}
	}
	for n := range purchases {
		purchases[n].Product = ids[purchases[n].Product]
	}
}
