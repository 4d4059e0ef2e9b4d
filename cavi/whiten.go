package cavi

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

var errWhitening = errors.New("whitening decomposition failed")

// LocalAux are the whitening auxiliaries of the local step. With
// L^-1 = diag(tau^-1/2) and U V U^T the decomposition of L^-1 Lambda L^-T,
// UTLinv is U^T L^-1, V the singular values and LogDetC the log determinant
// of diag(tau).
type LocalAux struct {
	UTLinv  *mat.Dense
	V       []float64
	LogDetC float64
}

// NewLocalAux decomposes lambda whitened by the precisions tau.
func NewLocalAux(tau mat.Vector, lambda mat.Matrix) (*LocalAux, error) {
	m := tau.Len()
	if r, c := lambda.Dims(); r != m || c != m {
		return nil, fmt.Errorf("%w: lambda is %dx%d, tau has %d entries", errWhitening, r, c, m)
	}

	linv := make([]float64, m)
	logDet := 0.0
	for k := range linv {
		t := tau.AtVec(k)
		if !(t > 0) || math.IsInf(t, 0) {
			return nil, fmt.Errorf("%w: tau[%d] = %v", errWhitening, k, t)
		}
		linv[k] = 1 / math.Sqrt(t)
		logDet += math.Log(t)
	}

	// L^-1 Lambda L^-T, symmetrised against rounding
	c := mat.NewDense(m, m, nil)
	for i := 0; i < m; i++ {
		for j := i; j < m; j++ {
			v := 0.5 * (lambda.At(i, j) + lambda.At(j, i)) * linv[i] * linv[j]
			c.Set(i, j, v)
			c.Set(j, i, v)
		}
	}

	var svd mat.SVD
	if !svd.Factorize(c, mat.SVDFull) {
		return nil, errWhitening
	}
	var u mat.Dense
	svd.UTo(&u)

	utLinv := mat.NewDense(m, m, nil)
	for i := 0; i < m; i++ {
		for j := 0; j < m; j++ {
			utLinv.Set(i, j, u.At(j, i)*linv[j])
		}
	}
	return &LocalAux{UTLinv: utLinv, V: svd.Values(nil), LogDetC: logDet}, nil
}
