package dataset

import (
	"errors"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/mat"
)

const tol = 1e-9

// twoCustomers is the worked example: customer 0 owns baskets 0 and 1 with
// two and three purchases, customer 1 owns basket 2 with one purchase.
func twoCustomers() Raw {
	return Raw{
		Purchases: []Purchase{
			{0, 0, 2}, {0, 0, 0},
			{0, 1, 3}, {0, 1, 1}, {0, 1, 1},
			{1, 2, 0},
		},
		X: mat.NewDense(3, 2, []float64{
			1, 0.5,
			-1, 2,
			0.25, 3,
		}),
		H: mat.NewDense(2, 1, []float64{2, -1}),
	}
}

func TestBuildWorkedExample(t *testing.T) {
	d, err := Build(twoCustomers())
	require.NoError(t, err)

	assert.Equal(t, 2, d.TotalCustomers)
	assert.Equal(t, 3, d.TotalBaskets)
	assert.Equal(t, 6, d.TotalPurchases)
	assert.Equal(t, 4, d.DimJ)
	assert.Equal(t, []Range{{0, 2}, {2, 3}}, d.CustomerToBasket)
	assert.Equal(t, []Range{{0, 2}, {2, 5}, {5, 6}}, d.BasketToPurchase)
	assert.Equal(t, []Range{{0, 5}, {5, 6}}, d.CustomerToPurchase)
	assert.Equal(t, []bool{true, false, true}, d.First)
	assert.Equal(t, []bool{false, true, false}, d.NotFirst)
	assert.Equal(t, []bool{false, true, true}, d.Last)
	assert.Equal(t, []bool{true, false, false}, d.NotLast)
	assert.Equal(t, []int{2, 1}, d.DimB)
	assert.Equal(t, []float64{1, 0}, d.DimBMin1)
	assert.Equal(t, []float64{2, 3, 1}, d.DimN)
	assert.Equal(t, []int{5, 1}, d.NPerCustomer)
	assert.Equal(t, []int{2, 2, 1, 1}, d.NPerProduct)
	assert.Equal(t, []int{0, 2, 1, 1, 3, 0}, d.Y)

	// x_0 x_0^T + x_2 x_2^T for the first baskets, x_1 x_1^T for the repeat one
	wantFirst := mat.NewSymDense(2, []float64{
		1 + 0.0625, 0.5 + 0.75,
		0.5 + 0.75, 0.25 + 9,
	})
	wantNotFirst := mat.NewSymDense(2, []float64{1, -2, -2, 4})
	assert.True(t, mat.EqualApprox(wantFirst, d.XOuterSumFirst, tol))
	assert.True(t, mat.EqualApprox(wantNotFirst, d.XOuterSumNotFirst, tol))

	// customer 0 has one repeat trip, customer 1 none
	assert.InDelta(t, 5.0, d.HOuterSumFirst.At(0, 0), tol)
	assert.InDelta(t, 4.0, d.HOuterSumNotFirst.At(0, 0), tol)

	assert.Equal(t, []float64{2, 2, -1}, mat.Col(nil, 0, d.HPerBasket))

	require.NoError(t, d.Validate(tol))
}

func TestBuildDoesNotModifyInput(t *testing.T) {
	raw := twoCustomers()
	before := append([]Purchase(nil), raw.Purchases...)
	xBefore := mat.DenseCopyOf(raw.X)

	_, err := Build(raw)
	require.NoError(t, err)

	assert.Equal(t, before, raw.Purchases)
	assert.True(t, mat.Equal(xBefore, raw.X))
}

func TestBuildRandomInvariants(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for trial := range 20 {
		raw := randomRaw(rng, 1+rng.Intn(40), 6, 3, 2)
		d, err := Build(raw)
		require.NoError(t, err, "trial %d", trial)

		sumCustomer, sumBasket, sumDimB := 0, 0, 0
		for _, n := range d.NPerCustomer {
			sumCustomer += n
		}
		for _, n := range d.DimN {
			sumBasket += int(n)
		}
		for _, nb := range d.DimB {
			sumDimB += nb
		}
		assert.Equal(t, d.TotalPurchases, sumCustomer)
		assert.Equal(t, d.TotalPurchases, sumBasket)
		assert.Equal(t, d.TotalBaskets, sumDimB)

		for ib, r := range d.BasketToPurchase {
			for n := r.Lo + 1; n < r.Hi; n++ {
				assert.LessOrEqual(t, d.Y[n-1], d.Y[n], "basket %d", ib)
			}
		}

		total := mat.NewSymDense(d.DimX, nil)
		for ib := 0; ib < d.TotalBaskets; ib++ {
			total.SymRankOne(total, 1, d.X.RowView(ib))
		}
		combined := mat.NewSymDense(d.DimX, nil)
		combined.AddSym(d.XOuterSumFirst, d.XOuterSumNotFirst)
		assert.True(t, mat.EqualApprox(total, combined, 1e-8))

		require.NoError(t, d.Validate(1e-8))
	}
}

func TestBuildWorkerCountIsDeterministic(t *testing.T) {
	rng := rand.New(rand.NewSource(11))
	raw := randomRaw(rng, 300, 8, 4, 3)

	serial, err := Build(raw, WithWorkers(1))
	require.NoError(t, err)
	parallel, err := Build(raw, WithWorkers(8))
	require.NoError(t, err)

	assert.Equal(t, serial.XOuterSumFirst.RawSymmetric().Data, parallel.XOuterSumFirst.RawSymmetric().Data)
	assert.Equal(t, serial.XOuterSumNotFirst.RawSymmetric().Data, parallel.XOuterSumNotFirst.RawSymmetric().Data)
	assert.Equal(t, serial.HOuterSumNotFirst.RawSymmetric().Data, parallel.HOuterSumNotFirst.RawSymmetric().Data)
}

func TestBuildEmulateLDAX(t *testing.T) {
	raw := twoCustomers()
	raw.X = nil
	raw.EmulateLDAX = true

	d, err := Build(raw)
	require.NoError(t, err)

	assert.Equal(t, d.TotalCustomers, d.TotalBaskets)
	assert.Equal(t, []Range{{0, 1}, {1, 2}}, d.CustomerToBasket)
	assert.Equal(t, []Range{{0, 5}, {5, 6}}, d.BasketToPurchase)
	assert.Equal(t, []bool{true, true}, d.First)
	assert.Equal(t, []bool{true, true}, d.Last)
	r, c := d.X.Dims()
	assert.Equal(t, 2, r)
	assert.Equal(t, 1, c)
	assert.Zero(t, mat.Sum(d.X))
	assert.Equal(t, []int{0, 1, 1, 2, 3, 0}, d.Y)
	require.NoError(t, d.Validate(tol))
}

func TestBuildValidationFailures(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Raw)
		check  string
	}{
		{"empty", func(r *Raw) { r.Purchases = nil }, "purchases"},
		{"unsorted customers", func(r *Raw) { r.Purchases[5].Customer = 0; r.Purchases[0].Customer = 1 }, "customer ids"},
		{"customer gap", func(r *Raw) { r.Purchases[5].Customer = 2 }, "customer ids"},
		{"unsorted baskets", func(r *Raw) { r.Purchases[1].Basket = 1; r.Purchases[2].Basket = 0 }, "basket ids"},
		{"basket gap", func(r *Raw) { r.Purchases[5].Basket = 3 }, "basket ids"},
		{"basket spans customers", func(r *Raw) {
			r.Purchases[5].Basket = 1
			r.X = mat.NewDense(2, 2, nil)
		}, "basket ownership"},
		{"missing product", func(r *Raw) { r.Purchases[2].Product = 1; r.Purchases[0].Product = 5 }, "product ids"},
		{"negative product", func(r *Raw) { r.Purchases[0].Product = -1 }, "product ids"},
		{"x rows", func(r *Raw) { r.X = mat.NewDense(2, 2, nil) }, "trip covariates"},
		{"h rows", func(r *Raw) { r.H = mat.NewDense(3, 1, nil) }, "customer covariates"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			raw := twoCustomers()
			tc.mutate(&raw)
			d, err := Build(raw)
			assert.Nil(t, d)
			var verr *ValidationError
			require.True(t, errors.As(err, &verr), "got %v", err)
			assert.Equal(t, tc.check, verr.Check)
		})
	}
}

func TestBuildLDAXRejectsMultiBasketCovariates(t *testing.T) {
	raw := twoCustomers()
	raw.EmulateLDAX = true
	raw.H = mat.NewDense(3, 1, nil)

	_, err := Build(raw)
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "customer covariates", verr.Check)
}

func TestValidateDetectsCorruption(t *testing.T) {
	d, err := Build(twoCustomers())
	require.NoError(t, err)

	d.Y[0], d.Y[1] = d.Y[1], d.Y[0]
	require.Error(t, d.Validate(tol))
	d.Y[0], d.Y[1] = d.Y[1], d.Y[0]

	d.First[1] = true
	require.Error(t, d.Validate(tol))
	d.First[1] = false

	d.XOuterSumFirst.SetSym(0, 0, 42)
	require.Error(t, d.Validate(tol))
}

func TestSummary(t *testing.T) {
	d, err := Build(twoCustomers())
	require.NoError(t, err)

	s := d.Summary()
	assert.Equal(t, Summary{
		Customers: 2, Baskets: 3, Purchases: 6, Products: 4,
		DimX: 2, DimH: 1, MaxBaskets: 2, MaxBasketSz: 3,
	}, s)
}

func TestReadCSV(t *testing.T) {
	purchases, err := ReadPurchasesCSV(strings.NewReader("customer,basket,product\n0,0,1\n0,1,0\n1,2,1\n"))
	require.NoError(t, err)
	assert.Equal(t, []Purchase{{0, 0, 1}, {0, 1, 0}, {1, 2, 1}}, purchases)

	_, err = ReadPurchasesCSV(strings.NewReader("0,0,1\n0,x,0\n"))
	require.Error(t, err)

	m, err := ReadMatrixCSV(strings.NewReader("a,b\n1,2.5\n-3,4\n"))
	require.NoError(t, err)
	assert.True(t, mat.Equal(mat.NewDense(2, 2, []float64{1, 2.5, -3, 4}), m))

	_, err = ReadMatrixCSV(strings.NewReader("1,2\n3\n"))
	require.Error(t, err)
}

// randomRaw generates nCustomers customers with up to maxBaskets baskets of up
// to maxItems purchases each. Every product in 0..nProducts-1 is bought at
// least once by the last basket.
func randomRaw(rng *rand.Rand, nCustomers, nProducts, maxBaskets, maxItems int) Raw {
	var purchases []Purchase
	basket := 0
	for i := 0; i < nCustomers; i++ {
		nb := 1 + rng.Intn(maxBaskets)
		for b := 0; b < nb; b++ {
			items := 1 + rng.Intn(maxItems)
			if i == nCustomers-1 && b == nb-1 {
				for j := 0; j < nProducts; j++ {
					purchases = append(purchases, Purchase{i, basket, j})
				}
			}
			for n := 0; n < items; n++ {
				purchases = append(purchases, Purchase{i, basket, rng.Intn(nProducts)})
			}
			basket++
		}
	}

	x := mat.NewDense(basket, 3, nil)
	for r := 0; r < basket; r++ {
		for c := 0; c < 3; c++ {
			x.Set(r, c, rng.NormFloat64())
		}
	}
	h := mat.NewDense(nCustomers, 2, nil)
	for r := 0; r < nCustomers; r++ {
		h.Set(r, 0, 1)
		h.Set(r, 1, rng.NormFloat64())
	}
	return Raw{Purchases: purchases, X: x, H: h}
}

func TestSimulateBuilds(t *testing.T) {
	cfg := DefaultSimConfig()
	raw, err := Simulate(cfg)
	require.NoError(t, err)

	d, err := Build(raw)
	require.NoError(t, err)
	assert.Equal(t, cfg.Customers, d.TotalCustomers)
	assert.LessOrEqual(t, d.DimJ, cfg.Products)
	assert.Equal(t, cfg.TripWidth, d.DimX)
	assert.Equal(t, cfg.CustomerWidth, d.DimH)
	assert.Equal(t, mat.Col(nil, 0, d.H), onesLike(d.TotalCustomers))

	again, err := Simulate(cfg)
	require.NoError(t, err)
	assert.Equal(t, raw.Purchases, again.Purchases)

	cfg.Seed++
	other, err := Simulate(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, raw.Purchases, other.Purchases)
}

func TestSimulateRejectsEmptySizes(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.Factors = 0
	_, err := Simulate(cfg)
	assert.Error(t, err)
}

func TestRelabelProducts(t *testing.T) {
	p := []Purchase{{0, 0, 7}, {0, 0, 2}, {0, 1, 7}, {1, 2, 4}}
	relabelProducts(p)
	assert.Equal(t, []int{2, 0, 2, 1}, []int{p[0].Product, p[1].Product, p[2].Product, p[3].Product})
}

func onesLike(n int) []float64 {
	out := make([]float64, n)
	for k := range out {
		out[k] = 1
	}
	return out
}

func TestCSVRoundTrip(t *testing.T) {
	raw := twoCustomers()
	dir := t.TempDir()
	files := Files{
		Purchases: filepath.Join(dir, "purchases.csv"),
		X:         filepath.Join(dir, "x.csv"),
		H:         filepath.Join(dir, "h.csv"),
	}
	writeFile(t, files.Purchases, func(f *os.File) error { return WritePurchasesCSV(f, raw.Purchases) })
	writeFile(t, files.X, func(f *os.File) error { return WriteMatrixCSV(f, raw.X) })
	writeFile(t, files.H, func(f *os.File) error { return WriteMatrixCSV(f, raw.H) })

	got, err := files.Load()
	require.NoError(t, err)
	assert.Equal(t, raw.Purchases, got.Purchases)
	assert.True(t, mat.Equal(raw.X, got.X))
	assert.True(t, mat.Equal(raw.H, got.H))

	files.H = filepath.Join(dir, "missing.csv")
	_, err = files.Load()
	assert.Error(t, err)
}

func writeFile(t *testing.T, path string, write func(*os.File) error) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, write(f))
	require.NoError(t, f.Close())
}
