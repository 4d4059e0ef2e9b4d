package cavi

import (
	"fmt"

	"github.com/n0madic/go-basket-cavi/state"
)

// noBlock marks a schedule entry that runs whatever the fixed mask says.
const noBlock state.Block = -1

// phase is one entry of the global schedule.
type phase struct {
	name   string
	block  state.Block
	update UpdateFunc
}

// buildSchedule returns the global phase in dependency order: the weight and
// coefficient blocks, the residual and its sum of squares, then the
// precision blocks that consume them.
func buildSchedule(p *Procedures) []phase {
	var out []phase
	for _, b := range []state.Block{
		state.Phi,
		state.Beta,
		state.Gamma,
		state.Rho,
		state.Delta,
		state.DeltaKappa,
		state.DeltaBeta,
		state.DeltaGamma,
	} {
		out = append(out, phase{name: b.String(), block: b, update: p.Blocks[b]})
	}
	out = append(out,
		phase{name: "residual", block: noBlock, update: p.Residual},
		phase{name: "residual_sum_sq", block: noBlock, update: p.ResidualSumSq},
	)
	for _, b := range []state.Block{state.TauAlpha, state.MuKappa, state.LambdaKappa} {
		out = append(out, phase{name: b.String(), block: b, update: p.Blocks[b]})
	}
	return out
}

// Schedule returns the names of the global phase entries in run order,
// skipped blocks included.
func (r *Routine) Schedule() []string {
	out := make([]string, len(r.schedule))
	for k, ph := range r.schedule {
		out[k] = ph.name
	}
	return out
}

// Iteration performs one step: the whitening auxiliaries, the local phase,
// then every global phase entry whose block is not fixed.
func (r *Routine) Iteration(q *state.State, scratch *Scratch, tallies *Tallies) error {
	aux, err := r.localAux(q)
	if err != nil {
		return fmt.Errorf("local aux: %w", err)
	}
	if err := r.procs.Local(q, &r.env, aux, scratch, tallies); err != nil {
		return fmt.Errorf("local: %w", err)
	}

	for _, ph := range r.schedule {
		if ph.block != noBlock && r.env.Fixed.Has(ph.block) {
			if r.metrics != nil {
				r.metrics.BlockSkips.WithLabelValues(ph.name).Inc()
			}
			continue
		}
		if err := ph.update(q, &r.env); err != nil {
			return fmt.Errorf("%s: %w", ph.name, err)
		}
	}
	return nil
}

// localAux returns the whitening auxiliaries for q. They only depend on
// tau_alpha and lambda_kappa, so they are computed once per state when both
// are fixed.
func (r *Routine) localAux(q *state.State) (*LocalAux, error) {
	if r.aux != nil && r.auxOf == q {
		return r.aux, nil
	}
	aux, err := NewLocalAux(q.TauAlpha, q.LambdaKappa)
	if err != nil {
		return nil, err
	}
	if r.env.Fixed.Has(state.TauAlpha) && r.env.Fixed.Has(state.LambdaKappa) {
		r.aux, r.auxOf = aux, q
	}
	return aux, nil
}
