package dataset

import (
	"fmt"
	"runtime"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
)

// Purchase is one raw purchase row: a product bought in a basket by a customer.
type Purchase struct {
	Customer int
	Basket   int
	Product  int
}

// Raw is the unprocessed input consumed by Build.
type Raw struct {
	Purchases []Purchase // sorted ascending by customer, then basket
	X         *mat.Dense // trip covariates, one row per basket
	H         *mat.Dense // customer covariates, one row per customer

	// EmulateLDAX collapses every customer to a single basket and drops the
	// trip covariates (X is replaced by a zero column).
	EmulateLDAX bool
}

// Range is a half-open index interval [Lo, Hi).
type Range struct {
	Lo int
	Hi int
}

// Len returns the number of indices covered by the range.
func (r Range) Len() int { return r.Hi - r.Lo }

// Data holds the sufficient statistics of a purchase history. It is built once
// by Build and must not be modified afterwards.
type Data struct {
	// data
	Y                 []int           // product per purchase, sorted within each basket
	X                 *mat.Dense      // trip covariates (B x Dx)
	H                 *mat.Dense      // customer covariates (I x Dh)
	XOuter            []*mat.SymDense // x_ib x_ib^T per basket
	XOuterSumFirst    *mat.SymDense   // sum of XOuter over first baskets
	XOuterSumNotFirst *mat.SymDense   // sum of XOuter over repeat baskets
	HOuter            []*mat.SymDense // h_i h_i^T per customer
	HOuterSumFirst    *mat.SymDense   // sum of HOuter over customers
	HOuterSumNotFirst *mat.SymDense   // sum of HOuter weighted by DimB-1
	HPerBasket        *mat.Dense      // H broadcast to one row per basket (B x Dh)

	// dimensions
	DimJ     int       // number of products
	DimX     int       // trip covariate width
	DimH     int       // customer covariate width
	DimI     int       // number of customers
	DimB     []int     // baskets per customer
	DimBMin1 []float64 // DimB - 1, the repeat-trip multiplier
	DimN     []float64 // purchases per basket

	// counts
	NPerCustomer   []int
	NPerProduct    []int
	TotalCustomers int
	TotalBaskets   int
	TotalPurchases int

	// maps from customer to baskets and from basket to purchases
	CustomerToBasket   []Range
	CustomerToPurchase []Range
	BasketToPurchase   []Range

	// indicators
	First    []bool
	NotFirst []bool
	Last     []bool
	NotLast  []bool

	EmulateLDAX bool
}

type options struct {
	workers   int
	tolerance float64
}

// Option configures Build.
type Option func(*options)

// WithWorkers bounds the number of goroutines computing outer products.
// Values below one fall back to GOMAXPROCS.
func WithWorkers(n int) Option {
	return func(o *options) {
		o.workers = n
	}
}

// WithTolerance sets the absolute tolerance used when the aggregate caches
// are verified against their direct sums.
func WithTolerance(tol float64) Option {
	return func(o *options) {
		o.tolerance = tol
	}
}

// Build validates the raw purchase history and derives the ragged index and
// the aggregate statistics. No partial Data is returned on error.
func Build(raw Raw, opts ...Option) (*Data, error) {
	o := options{workers: runtime.GOMAXPROCS(0), tolerance: 1e-9}
	for _, opt := range opts {
		opt(&o)
	}
	if o.workers < 1 {
		o.workers = runtime.GOMAXPROCS(0)
	}

	if len(raw.Purchases) == 0 {
		return nil, &ValidationError{Check: "purchases", Detail: "no purchase rows"}
	}

	nPurchases := len(raw.Purchases)
	iVec := make([]int, nPurchases)
	ibVec := make([]int, nPurchases)
	y := make([]int, nPurchases)
	for n, p := range raw.Purchases {
		iVec[n] = p.Customer
		ibVec[n] = p.Basket
		y[n] = p.Product
	}

	if err := checkSortedContiguous("customer ids", iVec); err != nil {
		return nil, err
	}
	totalCustomers := iVec[nPurchases-1] + 1

	x := raw.X
	if raw.EmulateLDAX {
		copy(ibVec, iVec)
		x = mat.NewDense(totalCustomers, 1, nil)
	}

	if err := checkSortedContiguous("basket ids", ibVec); err != nil {
		return nil, err
	}
	totalBaskets := ibVec[nPurchases-1] + 1

	// A basket belongs to exactly one customer
	for n := 1; n < nPurchases; n++ {
		if iVec[n] != iVec[n-1] && ibVec[n] == ibVec[n-1] {
			return nil, &ValidationError{
				Check:  "basket ownership",
				Detail: fmt.Sprintf("basket %d spans customers %d and %d", ibVec[n], iVec[n-1], iVec[n]),
			}
		}
	}

	nPerProduct, err := countProducts(y)
	if err != nil {
		return nil, err
	}

	if x == nil {
		return nil, &ValidationError{Check: "trip covariates", Detail: "X is nil"}
	}
	if raw.H == nil {
		return nil, &ValidationError{Check: "customer covariates", Detail: "H is nil"}
	}
	if r, _ := x.Dims(); r != totalBaskets {
		return nil, &ValidationError{
			Check:  "trip covariates",
			Detail: fmt.Sprintf("X has %d rows, want one per basket (%d)", r, totalBaskets),
		}
	}
	if r, _ := raw.H.Dims(); r != totalCustomers {
		return nil, &ValidationError{
			Check:  "customer covariates",
			Detail: fmt.Sprintf("H has %d rows, want one per customer (%d)", r, totalCustomers),
		}
	}
	_, dimX := x.Dims()
	_, dimH := raw.H.Dims()

	d := &Data{
		Y:              y,
		X:              mat.DenseCopyOf(x),
		H:              mat.DenseCopyOf(raw.H),
		DimJ:           len(nPerProduct),
		DimX:           dimX,
		DimH:           dimH,
		DimI:           totalCustomers,
		NPerProduct:    nPerProduct,
		TotalCustomers: totalCustomers,
		TotalBaskets:   totalBaskets,
		TotalPurchases: nPurchases,
		EmulateLDAX:    raw.EmulateLDAX,
	}

	// Purchase ranges per customer from the id transitions
	d.CustomerToPurchase = boundaries(iVec, totalCustomers)
	d.NPerCustomer = make([]int, totalCustomers)
	for i, r := range d.CustomerToPurchase {
		d.NPerCustomer[i] = r.Len()
	}

	// Baskets per customer
	d.DimB = make([]int, totalCustomers)
	d.DimBMin1 = make([]float64, totalCustomers)
	for i, r := range d.CustomerToPurchase {
		d.DimB[i] = distinctSorted(ibVec[r.Lo:r.Hi])
		d.DimBMin1[i] = float64(d.DimB[i]) - 1.0
	}

	// Purchase ranges per basket
	d.BasketToPurchase = boundaries(ibVec, totalBaskets)
	d.DimN = make([]float64, totalBaskets)
	for ib, r := range d.BasketToPurchase {
		d.DimN[ib] = float64(r.Len())
		slices.Sort(d.Y[r.Lo:r.Hi])
	}

	// Basket ranges per customer are a prefix sum over DimB
	d.CustomerToBasket = make([]Range, totalCustomers)
	lo := 0
	for i, nb := range d.DimB {
		d.CustomerToBasket[i] = Range{Lo: lo, Hi: lo + nb}
		lo += nb
	}

	d.First = make([]bool, totalBaskets)
	d.NotFirst = make([]bool, totalBaskets)
	d.Last = make([]bool, totalBaskets)
	d.NotLast = make([]bool, totalBaskets)
	ib := 0
	for i := 0; i < totalCustomers; i++ {
		for b := 0; b < d.DimB[i]; b++ {
			d.First[ib] = b == 0
			d.NotFirst[ib] = b != 0
			d.Last[ib] = b == d.DimB[i]-1
			d.NotLast[ib] = b != d.DimB[i]-1
			ib++
		}
	}

	// Trip covariate outer products, aggregated over first and repeat baskets
	d.XOuter, err = outerProducts(d.X, o.workers)
	if err != nil {
		return nil, err
	}
	d.XOuterSumFirst = mat.NewSymDense(dimX, nil)
	d.XOuterSumNotFirst = mat.NewSymDense(dimX, nil)
	for ib, outer := range d.XOuter {
		if d.First[ib] {
			d.XOuterSumFirst.AddSym(d.XOuterSumFirst, outer)
		} else {
			d.XOuterSumNotFirst.AddSym(d.XOuterSumNotFirst, outer)
		}
	}

	// Customer covariate outer products: once for the first basket, DimB-1
	// times for the repeat trips
	d.HOuter, err = outerProducts(d.H, o.workers)
	if err != nil {
		return nil, err
	}
	d.HOuterSumFirst = mat.NewSymDense(dimH, nil)
	d.HOuterSumNotFirst = mat.NewSymDense(dimH, nil)
	weighted := mat.NewSymDense(dimH, nil)
	for i, outer := range d.HOuter {
		d.HOuterSumFirst.AddSym(d.HOuterSumFirst, outer)
		weighted.ScaleSym(d.DimBMin1[i], outer)
		d.HOuterSumNotFirst.AddSym(d.HOuterSumNotFirst, weighted)
	}

	d.HPerBasket = mat.NewDense(totalBaskets, dimH, nil)
	for i, r := range d.CustomerToBasket {
		row := d.H.RawRowView(i)
		for ib := r.Lo; ib < r.Hi; ib++ {
			d.HPerBasket.SetRow(ib, row)
		}
	}

	if raw.EmulateLDAX {
		if err := d.checkLDAX(iVec, ibVec); err != nil {
			return nil, err
		}
	}

	if err := d.Validate(o.tolerance); err != nil {
		return nil, err
	}
	return d, nil
}

// checkSortedContiguous verifies that ids are non-decreasing, start at zero
// and never skip a value.
func checkSortedContiguous(what string, ids []int) error {
	if ids[0] != 0 {
		return &ValidationError{Check: what, Detail: fmt.Sprintf("first id is %d, want 0", ids[0])}
	}
	for n := 1; n < len(ids); n++ {
		step := ids[n] - ids[n-1]
		if step < 0 {
			return &ValidationError{
				Check:  what,
				Detail: fmt.Sprintf("not sorted ascending at row %d (%d after %d)", n, ids[n], ids[n-1]),
			}
		}
		if step > 1 {
			return &ValidationError{
				Check:  what,
				Detail: fmt.Sprintf("not contiguous at row %d (ids %d..%d missing)", n, ids[n-1]+1, ids[n]-1),
			}
		}
	}
	return nil
}

// countProducts counts purchases per product and requires every id in
// 0..J-1 to be present.
func countProducts(y []int) ([]int, error) {
	seen := roaring.New()
	maxID := 0
	for n, j := range y {
		if j < 0 {
			return nil, &ValidationError{Check: "product ids", Detail: fmt.Sprintf("negative id %d at row %d", j, n)}
		}
		seen.Add(uint32(j))
		maxID = max(maxID, j)
	}
	if seen.GetCardinality() != uint64(maxID+1) {
		missing := 0
		for seen.Contains(uint32(missing)) {
			missing++
		}
		return nil, &ValidationError{Check: "product ids", Detail: fmt.Sprintf("product %d never purchased", missing)}
	}
	counts := make([]int, maxID+1)
	for _, j := range y {
		counts[j]++
	}
	return counts, nil
}

// boundaries turns a sorted, contiguous id column into one range per id.
func boundaries(ids []int, n int) []Range {
	out := make([]Range, n)
	prev := ids[0]
	for k, id := range ids {
		if id != prev {
			out[prev].Hi = k
			out[id].Lo = k
			prev = id
		}
	}
	out[n-1].Hi = len(ids)
	return out
}

func distinctSorted(ids []int) int {
	if len(ids) == 0 {
		return 0
	}
	count := 1
	for k := 1; k < len(ids); k++ {
		if ids[k] != ids[k-1] {
			count++
		}
	}
	return count
}

// outerProducts computes rows[r] rows[r]^T for every row. Each worker writes
// a disjoint slice of the result so the output does not depend on scheduling.
func outerProducts(rows *mat.Dense, workers int) ([]*mat.SymDense, error) {
	n, dim := rows.Dims()
	out := make([]*mat.SymDense, n)

	chunk := (n + workers - 1) / workers
	chunk = max(chunk, 64)

	var g errgroup.Group
	g.SetLimit(workers)
	for lo := 0; lo < n; lo += chunk {
		hi := min(lo+chunk, n)
		g.Go(func() error {
			for r := lo; r < hi; r++ {
				s := mat.NewSymDense(dim, nil)
				s.SymRankOne(s, 1, rows.RowView(r))
				out[r] = s
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func (d *Data) checkLDAX(iVec, ibVec []int) error {
	if r, c := d.X.Dims(); r != d.TotalCustomers || c != 1 {
		return &ValidationError{Check: "lda-x", Detail: fmt.Sprintf("X is %dx%d, want %dx1", r, c, d.TotalCustomers)}
	}
	for _, v := range d.X.RawMatrix().Data {
		if v != 0 {
			return &ValidationError{Check: "lda-x", Detail: "trip covariates must be zero"}
		}
	}
	if d.TotalCustomers != d.TotalBaskets {
		return &ValidationError{
			Check:  "lda-x",
			Detail: fmt.Sprintf("%d customers but %d baskets", d.TotalCustomers, d.TotalBaskets),
		}
	}
	if !slices.Equal(iVec, ibVec) {
		return &ValidationError{Check: "lda-x", Detail: "customer and basket ids differ"}
	}
	return nil
}
