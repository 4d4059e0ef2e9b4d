package objective

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"slices"
	"strconv"
)

// ErrFieldsChanged is returned when a record's terms differ from the ones
// the log was opened with.
var ErrFieldsChanged = errors.New("objective fields changed")

// Tracker appends records to a CSV log and keeps the run history. The log
// holds a header row, the baseline row and one row per observed iteration.
type Tracker struct {
	f      *os.File
	w      *csv.Writer
	fields []string

	baseline Record
	prev     Record
	last     Record
	history  map[int]Record
}

// Open creates the log at path, truncating any previous one, and writes the
// header and baseline rows.
func Open(path string, baseline Record) (*Tracker, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create objective log: %w", err)
	}
	t := &Tracker{
		f:        f,
		w:        csv.NewWriter(f),
		fields:   baseline.Fields(),
		baseline: baseline,
		prev:     baseline,
		last:     baseline,
		history:  make(map[int]Record),
	}
	if err := t.write(t.fields); err != nil {
		f.Close()
		return nil, err
	}
	if err := t.writeRecord(baseline); err != nil {
		f.Close()
		return nil, err
	}
	return t, nil
}

// Observe appends the record of iteration n and makes it the latest one.
func (t *Tracker) Observe(n int, rec Record) error {
	if !slices.Equal(rec.Fields(), t.fields) {
		return fmt.Errorf("iteration %d: %w: got %v, want %v", n, ErrFieldsChanged, rec.Fields(), t.fields)
	}
	if err := t.writeRecord(rec); err != nil {
		return fmt.Errorf("iteration %d: %w", n, err)
	}
	t.prev, t.last = t.last, rec
	t.history[n] = rec
	return nil
}

// History returns the observed records keyed by iteration.
func (t *Tracker) History() map[int]Record { return t.history }

// Baseline returns the record the log was opened with.
func (t *Tracker) Baseline() Record { return t.baseline }

// Last returns the latest record, the baseline before any iteration.
func (t *Tracker) Last() Record { return t.last }

// Delta returns the change in total between the last two records.
func (t *Tracker) Delta() float64 { return t.last.Total - t.prev.Total }

// Close flushes and closes the log.
func (t *Tracker) Close() error {
	t.w.Flush()
	if err := t.w.Error(); err != nil {
		t.f.Close()
		return fmt.Errorf("flush objective log: %w", err)
	}
	return t.f.Close()
}

func (t *Tracker) writeRecord(rec Record) error {
	values := rec.Values()
	row := make([]string, len(values))
	for k, v := range values {
		row[k] = strconv.FormatFloat(v, 'g', -1, 64)
	}
	return t.write(row)
}

// write emits one row and flushes so the log survives an aborted run.
func (t *Tracker) write(row []string) error {
	if err := t.w.Write(row); err != nil {
		return fmt.Errorf("write objective log: %w", err)
	}
	t.w.Flush()
	if err := t.w.Error(); err != nil {
		return fmt.Errorf("write objective log: %w", err)
	}
	return nil
}

// ReadLog parses a log written by Tracker. The first returned record is the
// baseline.
func ReadLog(r io.Reader) ([]Record, error) {
	rows, err := csv.NewReader(r).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read objective log: %w", err)
	}
	if len(rows) == 0 {
		return nil, errors.New("objective log is empty")
	}
	header := rows[0]
	if len(header) == 0 || header[len(header)-1] != TotalField {
		return nil, fmt.Errorf("objective log header %v does not end with %q", header, TotalField)
	}

	out := make([]Record, 0, len(rows)-1)
	for k, row := range rows[1:] {
		rec := Record{Terms: make([]Term, len(header)-1)}
		for c, field := range row {
			v, err := strconv.ParseFloat(field, 64)
			if err != nil {
				return nil, fmt.Errorf("objective log row %d column %s: %w", k+1, header[c], err)
			}
			if c == len(header)-1 {
				rec.Total = v
			} else {
				rec.Terms[c] = Term{Name: header[c], Value: v}
			}
		}
		out = append(out, rec)
	}
	return out, nil
}
