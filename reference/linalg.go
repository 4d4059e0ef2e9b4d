package reference

import (
	"errors"

	"gonum.org/v1/gonum/mat"
)

var errCholesky = errors.New("cholesky factorization failed even with jitter")

// denseToSym copies the lower triangle of d.
func denseToSym(d mat.Matrix) *mat.SymDense {
	n, _ := d.Dims()
	sym := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := 0; j <= i; j++ {
			sym.SetSym(i, j, d.At(i, j))
		}
	}
	return sym
}

// safeChol factorizes the precision a, retrying once with a diagonal jitter
// scaled to its mean diagonal.
func safeChol(a mat.Matrix) (*mat.Cholesky, error) {
	var chol mat.Cholesky
	if chol.Factorize(denseToSym(a)) {
		return &chol, nil
	}

	n, _ := a.Dims()
	jittered := denseToSym(a)
	trace := 0.0
	for i := 0; i < n; i++ {
		trace += jittered.At(i, i)
	}
	eps := 1e-8 * trace / float64(n)
	if eps <= 0 {
		eps = 1e-8
	}
	for i := 0; i < n; i++ {
		jittered.SetSym(i, i, jittered.At(i, i)+eps)
	}
	if chol.Factorize(jittered) {
		return &chol, nil
	}
	return nil, errCholesky
}

// traceProduct returns tr(a b) for square a and b.
func traceProduct(a, b mat.Matrix) float64 {
	n, _ := a.Dims()
	s := 0.0
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			s += a.At(i, j) * b.At(j, i)
		}
	}
	return s
}
