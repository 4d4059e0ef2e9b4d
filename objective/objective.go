// Package objective records the evidence lower bound of a run: one Record per
// evaluation, appended to a CSV log as it is produced.
package objective

// Term is one named additive contribution to the objective.
type Term struct {
	Name  string
	Value float64
}

// Record is the itemised objective. Total is the sum of the terms.
type Record struct {
	Terms []Term
	Total float64
}

// TotalField is the column holding Record.Total.
const TotalField = "total"

// NewRecord builds a Record from terms and sums them.
func NewRecord(terms ...Term) Record {
	r := Record{Terms: terms}
	for _, t := range terms {
		r.Total += t.Value
	}
	return r
}

// Fields returns the term names followed by TotalField.
func (r Record) Fields() []string {
	out := make([]string, 0, len(r.Terms)+1)
	for _, t := range r.Terms {
		out = append(out, t.Name)
	}
	return append(out, TotalField)
}

// Values returns the term values followed by the total.
func (r Record) Values() []float64 {
	out := make([]float64, 0, len(r.Terms)+1)
	for _, t := range r.Terms {
		out = append(out, t.Value)
	}
	return append(out, r.Total)
}

// Term returns the value of the term named name.
func (r Record) Term(name string) (float64, bool) {
	for _, t := range r.Terms {
		if t.Name == name {
			return t.Value, true
		}
	}
	return 0, false
}
