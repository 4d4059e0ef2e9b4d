package objective

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func record(loglik, entropy float64) Record {
	return NewRecord(Term{"loglik", loglik}, Term{"entropy", entropy})
}

func TestNewRecord(t *testing.T) {
	r := record(-10.5, 2.25)
	assert.Equal(t, -8.25, r.Total)
	assert.Equal(t, []string{"loglik", "entropy", "total"}, r.Fields())
	assert.Equal(t, []float64{-10.5, 2.25, -8.25}, r.Values())

	v, ok := r.Term("entropy")
	assert.True(t, ok)
	assert.Equal(t, 2.25, v)
	_, ok = r.Term("kl")
	assert.False(t, ok)

	assert.Equal(t, []string{"total"}, NewRecord().Fields())
}

func TestTracker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "elbo.csv")
	tr, err := Open(path, record(-100, 1))
	require.NoError(t, err)

	assert.Equal(t, -99.0, tr.Last().Total)
	assert.Zero(t, tr.Delta())

	for n := range 3 {
		require.NoError(t, tr.Observe(n, record(-50+float64(n), 1)))
	}
	assert.Equal(t, -48.0, tr.Last().Total)
	assert.Equal(t, 1.0, tr.Delta())
	assert.Equal(t, -99.0, tr.Baseline().Total)
	assert.Len(t, tr.History(), 3)
	assert.Equal(t, record(-49, 1), tr.History()[1])

	err = tr.Observe(3, NewRecord(Term{"loglik", 1}))
	assert.True(t, errors.Is(err, ErrFieldsChanged))
	assert.Len(t, tr.History(), 3)
	require.NoError(t, tr.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 5)
	assert.Equal(t, "loglik,entropy,total", lines[0])
	assert.Equal(t, "-100,1,-99", lines[1])

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	recs, err := ReadLog(f)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, record(-100, 1), recs[0])
	assert.Equal(t, record(-48, 1), recs[3])
}

func TestTrackerFlushesEveryRow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "elbo.csv")
	tr, err := Open(path, record(-3, 0.5))
	require.NoError(t, err)
	defer tr.Close()
	require.NoError(t, tr.Observe(0, record(-2, 0.5)))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(string(raw), "\n"))
}

func TestOpenFailsInMissingDir(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "missing", "elbo.csv"), record(0, 0))
	require.Error(t, err)
}

func TestReadLogErrors(t *testing.T) {
	_, err := ReadLog(strings.NewReader(""))
	require.Error(t, err)
	_, err = ReadLog(strings.NewReader("a,b\n1,2\n"))
	require.ErrorContains(t, err, "does not end with")
	_, err = ReadLog(strings.NewReader("a,total\n1,x\n"))
	require.ErrorContains(t, err, "column total")
}
