package cavi_test

import (
	"bytes"
	"errors"
	"math"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0madic/go-basket-cavi/cavi"
	"github.com/n0madic/go-basket-cavi/checkpoint"
	"github.com/n0madic/go-basket-cavi/dataset"
	"github.com/n0madic/go-basket-cavi/objective"
	"github.com/n0madic/go-basket-cavi/reference"
	"github.com/n0madic/go-basket-cavi/state"
)

type fixture struct {
	data  *dataset.Data
	prior cavi.Prior
	q     *state.State
	fixed state.Fixed
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	raw, err := dataset.Simulate(dataset.DefaultSimConfig())
	require.NoError(t, err)
	d, err := dataset.Build(raw)
	require.NoError(t, err)
	prior := cavi.DefaultPrior()
	q, err := reference.Init(d, 3, &prior, 42)
	require.NoError(t, err)
	return fixture{data: d, prior: prior, q: q, fixed: reference.Fixed(q)}
}

func TestRunObjectiveIsMonotone(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	var logs bytes.Buffer
	metrics := cavi.NewMetrics()
	cfg := cavi.Config{NIter: 8, NSavePer: 3, NPrintPer: 2, CheckConsistency: true, OutputDir: dir}

	r, err := cavi.New(reference.Procedures(), f.data, &f.prior, f.fixed, cavi.DefaultTuning(), cfg,
		cavi.WithLogger(zerolog.New(&logs).Level(zerolog.InfoLevel)),
		cavi.WithMetrics(metrics),
	)
	require.NoError(t, err)

	q, history, err := r.Run(f.q)
	require.NoError(t, err)
	require.Len(t, history, cfg.NIter)

	// the log holds the baseline and one row per iteration
	fh, err := os.Open(filepath.Join(dir, cavi.ObjectiveLogFile))
	require.NoError(t, err)
	defer fh.Close()
	rows, err := objective.ReadLog(fh)
	require.NoError(t, err)
	require.Len(t, rows, cfg.NIter+1)

	prev := rows[0].Total
	for n := 0; n < cfg.NIter; n++ {
		got := history[n].Total
		assert.False(t, math.IsNaN(got) || math.IsInf(got, 0))
		assert.InDelta(t, got, rows[n+1].Total, 1e-9*(1+math.Abs(got)))
		assert.GreaterOrEqual(t, got, prev-1e-7*(1+math.Abs(prev)), "iteration %d", n)
		prev = got
	}
	assert.Greater(t, history[cfg.NIter-1].Total, rows[0].Total)

	// snapshots every third iteration and on the last one
	files, err := r.Sink().List()
	require.NoError(t, err)
	assert.Equal(t, []string{r.Sink().Path(2), r.Sink().Path(5), r.Sink().Path(7)}, files)

	last, err := checkpoint.Load(files[len(files)-1])
	require.NoError(t, err)
	assert.Equal(t, 7, last.Iteration)
	assert.Equal(t, r.RunID(), last.RunID)
	restored := state.New(q.Dims)
	require.NoError(t, last.Restore(restored))
	assert.Equal(t, q.MuAlpha.RawMatrix().Data, restored.MuAlpha.RawMatrix().Data)

	// progress every second iteration plus the start, baseline and finish lines
	assert.Equal(t, 4+3, bytes.Count(logs.Bytes(), []byte("\n")))

	prom, err := os.ReadFile(filepath.Join(dir, cavi.MetricsFile))
	require.NoError(t, err)
	assert.Contains(t, string(prom), "cavi_iterations_total 8")
	assert.Contains(t, string(prom), "cavi_checkpoints_total 3")
}

func TestRunLeavesFixedBlocksUntouched(t *testing.T) {
	f := newFixture(t)
	// freeze phi too, at its initial value
	fixed := state.Snapshot(f.q, append([]state.Block{state.Phi}, reference.Unused...)...)
	cfg := cavi.Config{NIter: 4, NSavePer: 1, NPrintPer: 10, CheckConsistency: true, OutputDir: t.TempDir()}

	r, err := cavi.New(reference.Procedures(), f.data, &f.prior, fixed, cavi.DefaultTuning(), cfg)
	require.NoError(t, err)
	q, _, err := r.Run(f.q)
	require.NoError(t, err)

	for b, values := range fixed {
		for name, want := range values {
			got, ok := q.Array(name)
			require.True(t, ok, name)
			assert.Equal(t, want, got.Data, "%s.%s", b, name)
		}
	}

	files, err := r.Sink().List()
	require.NoError(t, err)
	require.Len(t, files, cfg.NIter)
	for _, path := range files {
		snap, err := checkpoint.Load(path)
		require.NoError(t, err)
		restored := state.New(q.Dims)
		require.NoError(t, snap.Restore(restored))
		require.NoError(t, state.Check(restored, f.data, fixed), path)
	}
}

func TestRunUpdatesOnlyTheFreeBlock(t *testing.T) {
	for _, free := range []state.Block{state.Phi, state.Beta, state.Gamma, state.TauAlpha} {
		t.Run(free.String(), func(t *testing.T) {
			f := newFixture(t)
			others := slices.DeleteFunc(state.Blocks(), func(b state.Block) bool { return b == free })
			fixed := state.Snapshot(f.q, others...)
			before := f.q.Clone()
			cfg := cavi.Config{NIter: 3, NSavePer: 10, NPrintPer: 10, CheckConsistency: true, OutputDir: t.TempDir()}

			r, err := cavi.New(reference.Procedures(), f.data, &f.prior, fixed, cavi.DefaultTuning(), cfg)
			require.NoError(t, err)
			q, _, err := r.Run(f.q)
			require.NoError(t, err)

			for _, b := range others {
				for _, name := range b.Fields() {
					want, ok := before.Array(name)
					require.True(t, ok, name)
					got, ok := q.Array(name)
					require.True(t, ok, name)
					assert.True(t, slices.Equal(want.Data, got.Data), "%s.%s changed", b, name)
				}
			}

			changed := false
			for _, name := range free.Fields() {
				want, _ := before.Array(name)
				got, _ := q.Array(name)
				changed = changed || !slices.Equal(want.Data, got.Data)
			}
			assert.True(t, changed, "%s never updated", free)
		})
	}
}

func TestRunAppliesSubstitutesBeforeBaseline(t *testing.T) {
	f := newFixture(t)
	fixed := reference.Fixed(f.q)
	// a non-zero substitute for the residual precision
	tau := state.Snapshot(f.q, state.TauAlpha)
	for _, v := range tau[state.TauAlpha] {
		for k := range v {
			v[k] *= 2
		}
	}
	fixed[state.TauAlpha] = tau[state.TauAlpha]
	cfg := cavi.Config{NIter: 2, NSavePer: 5, NPrintPer: 1, OutputDir: t.TempDir()}

	r, err := cavi.New(reference.Procedures(), f.data, &f.prior, fixed, cavi.DefaultTuning(), cfg)
	require.NoError(t, err)
	q, _, err := r.Run(f.q)
	require.NoError(t, err)

	got, ok := q.Array("ev_q_tau_alpha")
	require.True(t, ok)
	assert.Equal(t, tau[state.TauAlpha]["ev_q_tau_alpha"], got.Data)
}

func TestRunRejectsBadSubstitutes(t *testing.T) {
	f := newFixture(t)
	fixed := reference.Fixed(f.q)
	fixed[state.Rho]["mu_q_rho"] = []float64{1}
	cfg := cavi.Config{NIter: 1, NSavePer: 1, NPrintPer: 1, OutputDir: t.TempDir()}

	r, err := cavi.New(reference.Procedures(), f.data, &f.prior, fixed, cavi.DefaultTuning(), cfg)
	require.NoError(t, err)
	_, _, err = r.Run(f.q)
	assert.ErrorContains(t, err, "mu_q_rho")
}

func TestRunStopsBeforeSavingInconsistentIteration(t *testing.T) {
	f := newFixture(t)
	procs := reference.Procedures()
	calls := 0
	procs.Blocks[state.TauAlpha] = func(q *state.State, env *cavi.Env) error {
		if err := reference.UpdateTauAlpha(q, env); err != nil {
			return err
		}
		calls++
		if calls == 3 {
			q.TauAlpha.SetVec(0, math.NaN())
		}
		return nil
	}
	cfg := cavi.Config{NIter: 6, NSavePer: 1, NPrintPer: 1, CheckConsistency: true, OutputDir: t.TempDir()}
	r, err := cavi.New(procs, f.data, &f.prior, f.fixed, cavi.DefaultTuning(), cfg)
	require.NoError(t, err)

	_, _, err = r.Run(f.q)
	var ce *cavi.ConsistencyError
	require.True(t, errors.As(err, &ce), "got %v", err)
	assert.Equal(t, 2, ce.Iteration)

	files, err := r.Sink().List()
	require.NoError(t, err)
	assert.Equal(t, []string{r.Sink().Path(0), r.Sink().Path(1)}, files)

	fh, err := os.Open(filepath.Join(cfg.OutputDir, cavi.ObjectiveLogFile))
	require.NoError(t, err)
	defer fh.Close()
	rows, err := objective.ReadLog(fh)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestRunWithCustomSink(t *testing.T) {
	f := newFixture(t)
	dir := t.TempDir()
	sink, err := checkpoint.NewSink(filepath.Join(dir, "snapshots"),
		checkpoint.WithEvery(2),
		checkpoint.WithCodec(checkpoint.CodecCBOR),
		checkpoint.WithCompression(checkpoint.CompressionLZ4),
		checkpoint.WithRunID("custom"),
	)
	require.NoError(t, err)
	cfg := cavi.Config{NIter: 3, NSavePer: 100, NPrintPer: 1, OutputDir: dir}

	r, err := cavi.New(reference.Procedures(), f.data, &f.prior, f.fixed, cavi.DefaultTuning(), cfg,
		cavi.WithSink(sink), cavi.WithRunID("custom"))
	require.NoError(t, err)
	_, _, err = r.Run(f.q)
	require.NoError(t, err)

	files, err := sink.List()
	require.NoError(t, err)
	assert.Equal(t, []string{sink.Path(1), sink.Path(2)}, files)
	snap, err := checkpoint.Load(files[0])
	require.NoError(t, err)
	assert.Equal(t, "custom", snap.RunID)
}
