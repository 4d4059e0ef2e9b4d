package dataset

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// ReadPurchasesCSV reads customer,basket,product rows. A leading header row
// is skipped when its first field is not an integer.
func ReadPurchasesCSV(r io.Reader) ([]Purchase, error) {
	rows, err := readRecords(r, 3)
	if err != nil {
		return nil, err
	}
	out := make([]Purchase, 0, len(rows))
	for k, rec := range rows {
		p, err := parsePurchase(rec)
		if err != nil {
			if k == 0 {
				continue // header
			}
			return nil, fmt.Errorf("purchases row %d: %w", k+1, err)
		}
		out = append(out, p)
	}
	return out, nil
}

func parsePurchase(rec []string) (Purchase, error) {
	var vals [3]int
	for c := range vals {
		v, err := strconv.Atoi(strings.TrimSpace(rec[c]))
		if err != nil {
			return Purchase{}, fmt.Errorf("column %d: %w", c+1, err)
		}
		vals[c] = v
	}
	return Purchase{Customer: vals[0], Basket: vals[1], Product: vals[2]}, nil
}

// ReadMatrixCSV reads a dense numeric matrix, one row per line. A leading
// header row is skipped when its first field is not a number.
func ReadMatrixCSV(r io.Reader) (*mat.Dense, error) {
	rows, err := readRecords(r, -1)
	if err != nil {
		return nil, err
	}
	if len(rows) > 0 {
		if _, err := strconv.ParseFloat(strings.TrimSpace(rows[0][0]), 64); err != nil {
			rows = rows[1:]
		}
	}
	if len(rows) == 0 {
		return nil, errors.New("matrix has no rows")
	}

	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for k, rec := range rows {
		if len(rec) != cols {
			return nil, fmt.Errorf("matrix row %d has %d columns, want %d", k+1, len(rec), cols)
		}
		for c, field := range rec {
			v, err := strconv.ParseFloat(strings.TrimSpace(field), 64)
			if err != nil {
				return nil, fmt.Errorf("matrix row %d column %d: %w", k+1, c+1, err)
			}
			data = append(data, v)
		}
	}
	return mat.NewDense(len(rows), cols, data), nil
}

func readRecords(r io.Reader, fields int) ([][]string, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = fields
	cr.TrimLeadingSpace = true
	rows, err := cr.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read csv: %w", err)
	}
	return rows, nil
}

// WritePurchasesCSV writes purchases with a customer,basket,product header.
func WritePurchasesCSV(w io.Writer, purchases []Purchase) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"customer", "basket", "product"}); err != nil {
		return fmt.Errorf("write csv: %w", err)
	}
	for _, p := range purchases {
		row := []string{strconv.Itoa(p.Customer), strconv.Itoa(p.Basket), strconv.Itoa(p.Product)}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// WriteMatrixCSV writes m one row per line, without a header.
func WriteMatrixCSV(w io.Writer, m mat.Matrix) error {
	cw := csv.NewWriter(w)
	r, c := m.Dims()
	row := make([]string, c)
	for i := 0; i < r; i++ {
		for j := range row {
			row[j] = strconv.FormatFloat(m.At(i, j), 'g', -1, 64)
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("write csv: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// Files names the CSV inputs of a purchase history. X may be empty when
// EmulateLDAX is set.
type Files struct {
	Purchases   string
	X           string
	H           string
	EmulateLDAX bool
}

// Load reads the files into a Raw.
func (f Files) Load() (Raw, error) {
	raw := Raw{EmulateLDAX: f.EmulateLDAX}
	if err := readFile(f.Purchases, func(r io.Reader) (err error) {
		raw.Purchases, err = ReadPurchasesCSV(r)
		return err
	}); err != nil {
		return Raw{}, err
	}
	if f.X != "" {
		if err := readFile(f.X, func(r io.Reader) (err error) {
			raw.X, err = ReadMatrixCSV(r)
			return err
		}); err != nil {
			return Raw{}, err
		}
	}
	if err := readFile(f.H, func(r io.Reader) (err error) {
		raw.H, err = ReadMatrixCSV(r)
		return err
	}); err != nil {
		return Raw{}, err
	}
	return raw, nil
}

func readFile(path string, read func(io.Reader) error) error {
	fh, err := os.Open(path)
	if err != nil {
		return err
	}
	defer fh.Close()
	if err := read(fh); err != nil {
		return fmt.Errorf("%s: %w", path, err)
	}
	return nil
}
