package dataset

import (
	"fmt"

	"gonum.org/v1/gonum/mat"
)

// ValidationError reports raw input or a Data structure that violates one of
// the index invariants. It is always fatal.
type ValidationError struct {
	Check  string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("dataset: %s: %s", e.Check, e.Detail)
}

// Summary holds the headline counts of a Data structure.
type Summary struct {
	Customers   int  `json:"customers"`
	Baskets     int  `json:"baskets"`
	Purchases   int  `json:"purchases"`
	Products    int  `json:"products"`
	DimX        int  `json:"dim_x"`
	DimH        int  `json:"dim_h"`
	MaxBaskets  int  `json:"max_baskets"`
	MaxBasketSz int  `json:"max_basket_size"`
	LDAX        bool `json:"lda_x"`
}

// Summary returns the headline counts.
func (d *Data) Summary() Summary {
	s := Summary{
		Customers: d.TotalCustomers,
		Baskets:   d.TotalBaskets,
		Purchases: d.TotalPurchases,
		Products:  d.DimJ,
		DimX:      d.DimX,
		DimH:      d.DimH,
		LDAX:      d.EmulateLDAX,
	}
	for _, nb := range d.DimB {
		s.MaxBaskets = max(s.MaxBaskets, nb)
	}
	for _, r := range d.BasketToPurchase {
		s.MaxBasketSz = max(s.MaxBasketSz, r.Len())
	}
	return s
}

// Validate re-checks every structural invariant of d: the ragged ranges
// partition their domains, purchases are sorted within baskets, the
// first/last indicators are consistent and the aggregate caches equal their
// direct sums within tol.
func (d *Data) Validate(tol float64) error {
	if len(d.CustomerToBasket) != d.TotalCustomers || len(d.DimB) != d.TotalCustomers {
		return &ValidationError{Check: "customer index", Detail: "length does not match customer count"}
	}
	if len(d.BasketToPurchase) != d.TotalBaskets || len(d.First) != d.TotalBaskets {
		return &ValidationError{Check: "basket index", Detail: "length does not match basket count"}
	}

	if err := checkPartition("customer->basket", d.CustomerToBasket, d.TotalBaskets); err != nil {
		return err
	}
	if err := checkPartition("basket->purchase", d.BasketToPurchase, d.TotalPurchases); err != nil {
		return err
	}
	if err := checkPartition("customer->purchase", d.CustomerToPurchase, d.TotalPurchases); err != nil {
		return err
	}

	sumPurchases := 0
	for i, n := range d.NPerCustomer {
		sumPurchases += n
		r := d.CustomerToBasket[i]
		if r.Len() != d.DimB[i] || d.DimB[i] < 1 {
			return &ValidationError{Check: "baskets per customer", Detail: fmt.Sprintf("customer %d", i)}
		}
		// The customer's purchases are exactly the purchases of its baskets
		if d.BasketToPurchase[r.Lo].Lo != d.CustomerToPurchase[i].Lo ||
			d.BasketToPurchase[r.Hi-1].Hi != d.CustomerToPurchase[i].Hi {
			return &ValidationError{Check: "customer->purchase", Detail: fmt.Sprintf("customer %d misaligned with its baskets", i)}
		}
	}
	if sumPurchases != d.TotalPurchases {
		return &ValidationError{
			Check:  "purchases per customer",
			Detail: fmt.Sprintf("sum %d != total %d", sumPurchases, d.TotalPurchases),
		}
	}

	sumN := 0.0
	for ib, r := range d.BasketToPurchase {
		sumN += d.DimN[ib]
		for n := r.Lo + 1; n < r.Hi; n++ {
			if d.Y[n] < d.Y[n-1] {
				return &ValidationError{Check: "basket order", Detail: fmt.Sprintf("basket %d not sorted by product", ib)}
			}
		}
	}
	if int(sumN) != d.TotalPurchases {
		return &ValidationError{
			Check:  "purchases per basket",
			Detail: fmt.Sprintf("sum %d != total %d", int(sumN), d.TotalPurchases),
		}
	}

	for i, r := range d.CustomerToBasket {
		firsts, lasts := 0, 0
		for ib := r.Lo; ib < r.Hi; ib++ {
			if d.First[ib] == d.NotFirst[ib] || d.Last[ib] == d.NotLast[ib] {
				return &ValidationError{Check: "indicators", Detail: fmt.Sprintf("basket %d", ib)}
			}
			if d.First[ib] {
				firsts++
			}
			if d.Last[ib] {
				lasts++
			}
		}
		if firsts != 1 || lasts != 1 || !d.First[r.Lo] || !d.Last[r.Hi-1] {
			return &ValidationError{
				Check:  "indicators",
				Detail: fmt.Sprintf("customer %d has %d first and %d last baskets", i, firsts, lasts),
			}
		}
	}

	xFirst, xNotFirst := mat.NewSymDense(d.DimX, nil), mat.NewSymDense(d.DimX, nil)
	for ib := 0; ib < d.TotalBaskets; ib++ {
		row := d.X.RowView(ib)
		if d.First[ib] {
			xFirst.SymRankOne(xFirst, 1, row)
		} else {
			xNotFirst.SymRankOne(xNotFirst, 1, row)
		}
	}
	if !mat.EqualApprox(xFirst, d.XOuterSumFirst, tol) || !mat.EqualApprox(xNotFirst, d.XOuterSumNotFirst, tol) {
		return &ValidationError{Check: "x outer cache", Detail: "aggregates differ from direct sums"}
	}

	hFirst, hNotFirst := mat.NewSymDense(d.DimH, nil), mat.NewSymDense(d.DimH, nil)
	for i := 0; i < d.TotalCustomers; i++ {
		row := d.H.RowView(i)
		hFirst.SymRankOne(hFirst, 1, row)
		hNotFirst.SymRankOne(hNotFirst, d.DimBMin1[i], row)
	}
	if !mat.EqualApprox(hFirst, d.HOuterSumFirst, tol) || !mat.EqualApprox(hNotFirst, d.HOuterSumNotFirst, tol) {
		return &ValidationError{Check: "h outer cache", Detail: "aggregates differ from direct sums"}
	}

	for i, r := range d.CustomerToBasket {
		for ib := r.Lo; ib < r.Hi; ib++ {
			if !mat.Equal(d.HPerBasket.RowView(ib), d.H.RowView(i)) {
				return &ValidationError{Check: "h per basket", Detail: fmt.Sprintf("basket %d", ib)}
			}
		}
	}

	if d.EmulateLDAX && d.TotalCustomers != d.TotalBaskets {
		return &ValidationError{Check: "lda-x", Detail: "customers and baskets differ"}
	}
	return nil
}

func checkPartition(what string, ranges []Range, total int) error {
	next := 0
	for k, r := range ranges {
		if r.Lo != next || r.Hi < r.Lo {
			return &ValidationError{Check: what, Detail: fmt.Sprintf("range %d is [%d,%d), expected start %d", k, r.Lo, r.Hi, next)}
		}
		next = r.Hi
	}
	if next != total {
		return &ValidationError{Check: what, Detail: fmt.Sprintf("covers %d of %d", next, total)}
	}
	return nil
}
