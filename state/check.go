package state

import (
	"fmt"
	"math"

	"github.com/n0madic/go-basket-cavi/dataset"
)

// InconsistencyError reports the first array entry that violates a state
// invariant. Index is -1 when the violation concerns the whole array.
type InconsistencyError struct {
	Field  string
	Index  int
	Reason string
}

func (e *InconsistencyError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("state: %s: %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("state: %s[%d]: %s", e.Field, e.Index, e.Reason)
}

// Arrays that must stay strictly positive.
var positive = map[string]bool{
	"sigma_sq_q_alpha": true,
	"ev_q_tau_alpha":   true,
	"eta_q_phi":        true,
}

const squareTol = 1e-8

// Check verifies q against d: dims match the data, every array has the
// size of its shape and only finite entries, variance and precision arrays
// are positive, E[alpha^2] equals mu^2 + sigma^2 and every frozen block
// still holds its substitutes.
func Check(q *State, d *dataset.Data, fixed Fixed) error {
	if want := DimsOf(d, q.Dims.M); q.Dims != want {
		return &InconsistencyError{Field: "dims", Index: -1, Reason: fmt.Sprintf("%+v, data needs %+v", q.Dims, want)}
	}

	for _, a := range q.Arrays() {
		if len(a.Data) != a.Size() {
			return &InconsistencyError{
				Field:  a.Name,
				Index:  -1,
				Reason: fmt.Sprintf("has %d values for shape %v", len(a.Data), a.Shape),
			}
		}
		for k, v := range a.Data {
			if math.IsNaN(v) || math.IsInf(v, 0) {
				return &InconsistencyError{Field: a.Name, Index: k, Reason: fmt.Sprintf("not finite (%v)", v)}
			}
			if positive[a.Name] && v <= 0 {
				return &InconsistencyError{Field: a.Name, Index: k, Reason: fmt.Sprintf("not positive (%v)", v)}
			}
		}
	}

	mu, sigmaSq, sq := q.MuAlpha.RawMatrix().Data, q.SigmaSqAlpha.RawMatrix().Data, q.AlphaSq.RawMatrix().Data
	for k := range sq {
		want := mu[k]*mu[k] + sigmaSq[k]
		if math.Abs(sq[k]-want) > squareTol*(1+math.Abs(want)) {
			return &InconsistencyError{
				Field:  "ev_q_alpha_sq",
				Index:  k,
				Reason: fmt.Sprintf("%v, mu^2 + sigma^2 is %v", sq[k], want),
			}
		}
	}

	for _, b := range Blocks() {
		for name, v := range fixed[b] {
			a, ok := q.Array(name)
			if !ok {
				return &InconsistencyError{Field: name, Index: -1, Reason: "unknown fixed field"}
			}
			for k := range v {
				if k >= len(a.Data) || a.Data[k] != v[k] {
					return &InconsistencyError{Field: name, Index: k, Reason: fmt.Sprintf("frozen block %s was modified", b)}
				}
			}
		}
	}
	return nil
}
