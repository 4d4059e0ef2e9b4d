// Package cavi runs coordinate-ascent variational inference for the
// customer, basket and purchase latent factor model.
//
// The driver owns the schedule, the fixed-block mask, the objective log and
// checkpointing. The statistical updates themselves are supplied through
// Procedures; every procedure mutates the state in place and must be a
// deterministic function of its inputs.
package cavi

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/n0madic/go-basket-cavi/dataset"
	"github.com/n0madic/go-basket-cavi/objective"
	"github.com/n0madic/go-basket-cavi/state"
)

// ErrMissingProcedure is returned by New when a procedure the schedule
// needs is nil.
var ErrMissingProcedure = errors.New("missing update procedure")

// Prior holds the hyperparameters. The driver never reads it.
//
// RhoPrecision, DeltaPrecision, MuKappaPrecision, LambdaKappaDoF and
// LambdaKappaScale are carried for procedures that update rho, the delta
// multipliers, mu_kappa or lambda_kappa. The reference procedures keep those
// blocks fixed and do not read them.
type Prior struct {
	EtaPhi           float64 // Dirichlet concentration of each phi_m
	BetaPrecision    float64 // Gaussian prior precision of beta
	GammaPrecision   float64 // Gaussian prior precision of gamma
	RhoPrecision     float64 // Gaussian prior precision of rho
	DeltaPrecision   float64 // Gaussian prior precision of the delta multipliers
	TauAlphaShape    float64
	TauAlphaRate     float64
	MuKappaPrecision float64
	LambdaKappaDoF   float64
	LambdaKappaScale float64 // Wishart scale is LambdaKappaScale * I
}

// DefaultPrior returns weakly informative hyperparameters.
func DefaultPrior() Prior {
	return Prior{
		EtaPhi:           0.1,
		BetaPrecision:    1,
		GammaPrecision:   1,
		RhoPrecision:     1,
		DeltaPrecision:   1,
		TauAlphaShape:    1,
		TauAlphaRate:     1,
		MuKappaPrecision: 1,
		LambdaKappaDoF:   1,
		LambdaKappaScale: 1,
	}
}

// Tuning controls the non-conjugate local step.
type Tuning struct {
	MaxHalvings int     // step halvings tried before a proposal is rejected
	InitStep    float64 // initial step size for mean and log-variance proposals
	StepTol     float64 // proposals whose step falls below this are rejected
}

// DefaultTuning returns the local step settings used when none are given.
func DefaultTuning() Tuning {
	return Tuning{MaxHalvings: 10, InitStep: 1, StepTol: 1e-8}
}

// Env is the read-only context every procedure receives.
type Env struct {
	Data   *dataset.Data
	Prior  *Prior
	Fixed  state.Fixed
	Tuning Tuning
}

// Scratch is reusable per-iteration workspace.
type Scratch struct {
	ThetaZ *mat.Dense // q(z) responsibilities per purchase (N x M)
}

// NewScratch allocates workspace for d with m factors.
func NewScratch(d *dataset.Data, m int) *Scratch {
	return &Scratch{ThetaZ: mat.NewDense(d.TotalPurchases, m, nil)}
}

type (
	// LocalFunc updates every local parameter and records which proposals
	// were accepted per basket.
	LocalFunc func(q *state.State, env *Env, aux *LocalAux, scratch *Scratch, tallies *Tallies) error
	// UpdateFunc updates one global block or derived quantity.
	UpdateFunc func(q *state.State, env *Env) error
	// ObjectiveFunc evaluates the lower bound.
	ObjectiveFunc func(q *state.State, env *Env) (objective.Record, error)
	// CheckFunc verifies the state.
	CheckFunc func(q *state.State, d *dataset.Data, fixed state.Fixed) error
)

// Procedures are the update rules the driver schedules.
type Procedures struct {
	Local         LocalFunc
	Blocks        [state.NumBlocks]UpdateFunc
	Residual      UpdateFunc // recomputes E[eps_alpha]
	ResidualSumSq UpdateFunc // recomputes E sum_ib eps_alpha^2
	Objective     ObjectiveFunc
	Check         CheckFunc // nil uses state.Check
}

// validate reports the first nil procedure the run would call.
func (p *Procedures) validate(fixed state.Fixed) error {
	switch {
	case p.Local == nil:
		return fmt.Errorf("%w: local", ErrMissingProcedure)
	case p.Residual == nil:
		return fmt.Errorf("%w: residual", ErrMissingProcedure)
	case p.ResidualSumSq == nil:
		return fmt.Errorf("%w: residual sum of squares", ErrMissingProcedure)
	case p.Objective == nil:
		return fmt.Errorf("%w: objective", ErrMissingProcedure)
	}
	for _, b := range state.Blocks() {
		if p.Blocks[b] == nil && !fixed.Has(b) {
			return fmt.Errorf("%w: %s is not fixed", ErrMissingProcedure, b)
		}
	}
	return nil
}

// Tallies count, per basket, the local proposals accepted in the current
// iteration.
type Tallies struct {
	UpdatedMu      []int
	UpdatedSigmaSq []int
	UpdatedBoth    []int
}

// NewTallies allocates counters for b baskets.
func NewTallies(b int) *Tallies {
	return &Tallies{
		UpdatedMu:      make([]int, b),
		UpdatedSigmaSq: make([]int, b),
		UpdatedBoth:    make([]int, b),
	}
}

// Reset zeroes every counter.
func (t *Tallies) Reset() {
	clear(t.UpdatedMu)
	clear(t.UpdatedSigmaSq)
	clear(t.UpdatedBoth)
}

// TallyRates are the percentages of baskets with a non-zero counter.
type TallyRates struct {
	Mu      float64
	SigmaSq float64
	Both    float64
}

// Rates summarises the counters.
func (t *Tallies) Rates() TallyRates {
	return TallyRates{
		Mu:      percentNonZero(t.UpdatedMu),
		SigmaSq: percentNonZero(t.UpdatedSigmaSq),
		Both:    percentNonZero(t.UpdatedBoth),
	}
}

func percentNonZero(counts []int) float64 {
	if len(counts) == 0 {
		return 0
	}
	n := 0
	for _, c := range counts {
		if c != 0 {
			n++
		}
	}
	return 100 * float64(n) / float64(len(counts))
}

// ConsistencyError wraps a checker failure. Phase is "before" or "after"
// the iteration.
type ConsistencyError struct {
	Iteration int
	Phase     string
	Err       error
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("iteration %d: inconsistent state %s update: %v", e.Iteration, e.Phase, e.Err)
}

func (e *ConsistencyError) Unwrap() error { return e.Err }
