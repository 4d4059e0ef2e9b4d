package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/n0madic/go-basket-cavi/cavi"
	"github.com/n0madic/go-basket-cavi/checkpoint"
	"github.com/n0madic/go-basket-cavi/dataset"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out, errOut bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func simulateInto(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	out, err := execute(t, "simulate", "--out", dir, "--customers", "12", "--products", "10", "--seed", "5")
	require.NoError(t, err)
	assert.Contains(t, out, "wrote")
	for _, name := range []string{purchasesFile, tripFile, customerFile} {
		assert.FileExists(t, filepath.Join(dir, name))
	}
	return dir
}

func TestIndex(t *testing.T) {
	data := simulateInto(t)

	out, err := execute(t, "index", "--data", data, "--json")
	require.NoError(t, err)
	var s dataset.Summary
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.Equal(t, 12, s.Customers)
	assert.Equal(t, 2, s.DimX)
	assert.Equal(t, 2, s.DimH)
	assert.GreaterOrEqual(t, s.Baskets, 12)
	assert.False(t, s.LDAX)

	out, err = execute(t, "index", "--data", data)
	require.NoError(t, err)
	assert.Contains(t, out, "customers")
	assert.Contains(t, out, "max basket size")

	out, err = execute(t, "index", "--data", data, "--lda-x", "--json")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &s))
	assert.True(t, s.LDAX)
	assert.Equal(t, 12, s.Baskets)
}

func TestIndexWithoutInput(t *testing.T) {
	_, err := execute(t, "index")
	assert.ErrorContains(t, err, "no input")
}

func TestFitAndInspect(t *testing.T) {
	data := simulateInto(t)
	out := filepath.Join(t.TempDir(), "fit")

	stdout, err := execute(t, "fit", "--data", data, "--output", out, "--n-iter", "4", "--factors", "2")
	require.NoError(t, err)
	assert.Contains(t, stdout, "4 iterations")
	assert.FileExists(t, filepath.Join(out, cavi.ObjectiveLogFile))
	assert.FileExists(t, filepath.Join(out, checkpoint.ManifestFile))

	m, err := checkpoint.ReadManifest(out)
	require.NoError(t, err)
	assert.Equal(t, 4, m.NIter)
	assert.Equal(t, 2, m.Dims.M)
	assert.Contains(t, m.Fixed, "lambda_kappa")
	assert.NotContains(t, m.Fixed, "phi")
	assert.NotNil(t, m.Config)

	snaps, err := checkpoint.List(out)
	require.NoError(t, err)
	require.Len(t, snaps, 1, "only the last iteration is due with the default cadence")

	stdout, err = execute(t, "inspect", "checkpoint", snaps[0])
	require.NoError(t, err)
	assert.Contains(t, stdout, "iteration 3")
	assert.Contains(t, stdout, "mu_q_alpha")

	stdout, err = execute(t, "inspect", "checkpoint", snaps[0], "--json")
	require.NoError(t, err)
	var rep checkpointReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	assert.Equal(t, m.RunID, rep.RunID)
	assert.NotEmpty(t, rep.Arrays)
	for _, a := range rep.Arrays {
		assert.LessOrEqual(t, a.Min, a.Max, a.Name)
	}

	stdout, err = execute(t, "inspect", "log", filepath.Join(out, cavi.ObjectiveLogFile), "--json")
	require.NoError(t, err)
	var rows []logRow
	require.NoError(t, json.Unmarshal([]byte(stdout), &rows))
	require.Len(t, rows, 5)
	assert.Equal(t, -1, rows[0].Iteration)
	for i := 1; i < len(rows); i++ {
		assert.GreaterOrEqual(t, rows[i].Total, rows[i-1].Total-1e-8)
	}

	stdout, err = execute(t, "inspect", "log", filepath.Join(out, cavi.ObjectiveLogFile))
	require.NoError(t, err)
	assert.Contains(t, stdout, "baseline")

	stdout, err = execute(t, "inspect", "run", out, "--json")
	require.NoError(t, err)
	var run runReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &run))
	assert.Equal(t, 4, run.Completed)
	assert.Len(t, run.Snapshots, 1)
	assert.Equal(t, rows[len(rows)-1].Total, run.Objective)

	stdout, err = execute(t, "inspect", "run", out)
	require.NoError(t, err)
	assert.Contains(t, stdout, "4 of 4")
}

func TestFitWithConfigFile(t *testing.T) {
	data := simulateInto(t)
	out := filepath.Join(t.TempDir(), "fit")
	path := filepath.Join(t.TempDir(), "fit.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
factors: 2
run:
  n_iter: 3
  n_save_per: 1
  metrics: true
  output_dir: `+out+`
checkpoint:
  codec: cbor
  compression: lz4
log:
  format: json
`), 0o644))
	t.Setenv("CAVI_FIXED", "gamma")

	_, err := execute(t, "fit", "-c", path, "--data", data)
	require.NoError(t, err)

	snaps, err := checkpoint.List(out)
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, ".lz4", filepath.Ext(snaps[0]))
	assert.FileExists(t, filepath.Join(out, cavi.MetricsFile))

	m, err := checkpoint.ReadManifest(out)
	require.NoError(t, err)
	assert.Equal(t, "cbor", m.Codec)
	assert.Contains(t, m.Fixed, "gamma")
}

func TestFitSimulated(t *testing.T) {
	out := filepath.Join(t.TempDir(), "fit")
	stdout, err := execute(t, "fit", "--simulate", "--output", out, "--n-iter", "2", "--factors", "2")
	require.NoError(t, err)
	assert.Contains(t, stdout, "2 iterations")
}

func TestFitRejectsBadInput(t *testing.T) {
	out := filepath.Join(t.TempDir(), "fit")

	_, err := execute(t, "fit", "--output", out)
	assert.ErrorContains(t, err, "no input")

	_, err = execute(t, "fit", "--simulate", "--output", out, "--n-iter", "0")
	assert.ErrorContains(t, err, "NIter")

	_, err = execute(t, "fit", "--data", t.TempDir(), "--output", out)
	assert.Error(t, err)
}

func TestInspectMissingFiles(t *testing.T) {
	dir := t.TempDir()
	_, err := execute(t, "inspect", "checkpoint", filepath.Join(dir, "state_0000000000.gob"))
	assert.Error(t, err)
	_, err = execute(t, "inspect", "run", dir)
	assert.Error(t, err)
	_, err = execute(t, "inspect", "log")
	assert.Error(t, err)
}
