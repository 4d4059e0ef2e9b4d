package cavi

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime/pprof"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/n0madic/go-basket-cavi/checkpoint"
	"github.com/n0madic/go-basket-cavi/dataset"
	"github.com/n0madic/go-basket-cavi/objective"
	"github.com/n0madic/go-basket-cavi/state"
)

// Files written into Config.OutputDir.
const (
	ObjectiveLogFile = "elbo.csv"
	ProfileFile      = "profile_stats"
	MetricsFile      = "metrics.prom"
)

// Config controls one run.
type Config struct {
	NIter            int
	NSavePer         int
	NPrintPer        int
	CheckConsistency bool
	Profile          bool
	OutputDir        string
}

func (c Config) validate() error {
	switch {
	case c.NIter < 1:
		return fmt.Errorf("n_iter must be positive, got %d", c.NIter)
	case c.NSavePer < 1:
		return fmt.Errorf("n_save_per must be positive, got %d", c.NSavePer)
	case c.NPrintPer < 1:
		return fmt.Errorf("n_print_per must be positive, got %d", c.NPrintPer)
	case c.OutputDir == "":
		return errors.New("output dir is empty")
	}
	return nil
}

// Routine runs the optimisation. It is not safe for concurrent use.
type Routine struct {
	procs    Procedures
	env      Env
	cfg      Config
	schedule []phase
	aux      *LocalAux
	auxOf    *state.State // state aux was computed from

	logger  zerolog.Logger
	sink    *checkpoint.Sink
	metrics *Metrics
	runID   string
}

// Option configures a Routine.
type Option func(*Routine)

// WithLogger sets the progress logger (default: disabled).
func WithLogger(l zerolog.Logger) Option {
	return func(r *Routine) {
		r.logger = l
	}
}

// WithSink replaces the default checkpoint sink. The sink's own cadence
// applies.
func WithSink(s *checkpoint.Sink) Option {
	return func(r *Routine) {
		r.sink = s
	}
}

// WithMetrics records run metrics and writes them to OutputDir at the end.
func WithMetrics(m *Metrics) Option {
	return func(r *Routine) {
		r.metrics = m
	}
}

// WithRunID sets the run identifier (default: a random UUID).
func WithRunID(id string) Option {
	return func(r *Routine) {
		r.runID = id
	}
}

// New validates the configuration and procedures and prepares a run.
func New(procs Procedures, d *dataset.Data, prior *Prior, fixed state.Fixed, tuning Tuning, cfg Config, opts ...Option) (*Routine, error) {
	if d == nil || prior == nil {
		return nil, errors.New("cavi: data and prior are required")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("cavi: %w", err)
	}
	if err := procs.validate(fixed); err != nil {
		return nil, fmt.Errorf("cavi: %w", err)
	}
	if procs.Check == nil {
		procs.Check = state.Check
	}

	r := &Routine{
		procs:  procs,
		env:    Env{Data: d, Prior: prior, Fixed: fixed, Tuning: tuning},
		cfg:    cfg,
		logger: zerolog.Nop(),
	}
	r.schedule = buildSchedule(&r.procs)
	for _, opt := range opts {
		opt(r)
	}
	if r.runID == "" {
		r.runID = uuid.NewString()
	}
	if r.sink == nil {
		sink, err := checkpoint.NewSink(cfg.OutputDir,
			checkpoint.WithEvery(cfg.NSavePer),
			checkpoint.WithRunID(r.runID),
		)
		if err != nil {
			return nil, fmt.Errorf("cavi: %w", err)
		}
		r.sink = sink
	}
	return r, nil
}

// RunID returns the run identifier stamped on snapshots.
func (r *Routine) RunID() string { return r.runID }

// Sink returns the checkpoint sink.
func (r *Routine) Sink() *checkpoint.Sink { return r.sink }

// Run applies the fixed substitutes to q, logs the baseline objective and
// performs Config.NIter iterations. It returns q and the objective of every
// iteration. Any error stops the run; no snapshot is written for the
// failing iteration.
func (r *Routine) Run(q *state.State) (_ *state.State, _ map[int]objective.Record, err error) {
	start := time.Now()
	if err := os.MkdirAll(r.cfg.OutputDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create output dir: %w", err)
	}
	if err := r.env.Fixed.Apply(q); err != nil {
		return nil, nil, fmt.Errorf("apply fixed values: %w", err)
	}
	// substitutes may have changed tau_alpha or lambda_kappa
	r.aux, r.auxOf = nil, nil

	r.logger.Info().
		Str("run_id", r.runID).
		Strs("fixed", r.env.Fixed.Names()).
		Int("n_iter", r.cfg.NIter).
		Int("factors", q.Dims.M).
		Msg("starting optimisation")

	baseline, err := r.procs.Objective(q, &r.env)
	if err != nil {
		return nil, nil, fmt.Errorf("baseline objective: %w", err)
	}
	r.logger.Info().Float64("objective", baseline.Total).Msg("objective before optimisation")

	tracker, err := objective.Open(filepath.Join(r.cfg.OutputDir, ObjectiveLogFile), baseline)
	if err != nil {
		return nil, nil, err
	}
	defer func() {
		if cerr := tracker.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}()

	if r.cfg.Profile {
		stop, err := startProfile(filepath.Join(r.cfg.OutputDir, ProfileFile))
		if err != nil {
			return nil, nil, err
		}
		defer stop()
	}

	scratch := NewScratch(r.env.Data, q.Dims.M)
	tallies := NewTallies(r.env.Data.TotalBaskets)

	for n := range r.cfg.NIter {
		iterStart := time.Now()
		tallies.Reset()

		if err := r.check(q, n, "before"); err != nil {
			return nil, nil, err
		}
		if err := r.Iteration(q, scratch, tallies); err != nil {
			return nil, nil, fmt.Errorf("iteration %d: %w", n, err)
		}
		if err := r.check(q, n, "after"); err != nil {
			return nil, nil, err
		}

		rec, err := r.procs.Objective(q, &r.env)
		if err != nil {
			return nil, nil, fmt.Errorf("iteration %d: objective: %w", n, err)
		}
		if err := tracker.Observe(n, rec); err != nil {
			return nil, nil, err
		}

		rates := tallies.Rates()
		if n%r.cfg.NPrintPer == 0 {
			r.logger.Info().
				Int("iteration", n).
				Float64("objective", rec.Total).
				Float64("delta", tracker.Delta()).
				Float64("mu_pct", rates.Mu).
				Float64("sigma_sq_pct", rates.SigmaSq).
				Float64("both_pct", rates.Both).
				Msg("iteration done")
		}

		if r.sink.Due(n, r.cfg.NIter) {
			path, err := r.sink.Save(n, q)
			if err != nil {
				return nil, nil, err
			}
			r.logger.Debug().Int("iteration", n).Str("path", path).Msg("checkpoint written")
			if r.metrics != nil {
				r.metrics.Checkpoints.Inc()
			}
		}

		if r.metrics != nil {
			r.metrics.Iterations.Inc()
			r.metrics.Objective.Set(rec.Total)
			r.metrics.ObjectiveDelta.Set(tracker.Delta())
			r.metrics.observeRates(rates)
			r.metrics.IterationDuration.Observe(time.Since(iterStart).Seconds())
		}
	}

	r.logger.Info().
		Int("iterations", r.cfg.NIter).
		Dur("elapsed", time.Since(start)).
		Float64("objective", tracker.Last().Total).
		Msg("optimisation finished")

	if r.metrics != nil {
		if err := r.metrics.WriteTextfile(filepath.Join(r.cfg.OutputDir, MetricsFile)); err != nil {
			return nil, nil, fmt.Errorf("write metrics: %w", err)
		}
	}
	return q, tracker.History(), nil
}

func (r *Routine) check(q *state.State, n int, phase string) error {
	if !r.cfg.CheckConsistency {
		return nil
	}
	if err := r.procs.Check(q, r.env.Data, r.env.Fixed); err != nil {
		return &ConsistencyError{Iteration: n, Phase: phase, Err: err}
	}
	r.logger.Debug().Int("iteration", n).Str("phase", phase).Msg("state consistent")
	return nil
}

// startProfile starts a CPU profile written to path and returns its stop
// function.
func startProfile(path string) (func(), error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create profile: %w", err)
	}
	if err := pprof.StartCPUProfile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("start profile: %w", err)
	}
	return func() {
		pprof.StopCPUProfile()
		f.Close()
	}, nil
}
