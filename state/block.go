package state

import (
	"fmt"
	"slices"
)

// Block identifies one freezable global parameter block.
type Block int

// Blocks in schedule order.
const (
	Phi Block = iota
	Beta
	Gamma
	Rho
	Delta
	DeltaKappa
	DeltaBeta
	DeltaGamma
	TauAlpha
	MuKappa
	LambdaKappa

	NumBlocks = int(LambdaKappa) + 1
)

var unitDims = Dims{N: 1, B: 1, I: 1, J: 1, M: 1, Dx: 1, Dh: 1}

var blockNames = [NumBlocks]string{
	"phi",
	"beta",
	"gamma",
	"rho",
	"delta",
	"delta_kappa",
	"delta_beta",
	"delta_gamma",
	"tau_alpha",
	"mu_kappa",
	"lambda_kappa",
}

// Blocks returns every block in schedule order.
func Blocks() []Block {
	out := make([]Block, NumBlocks)
	for k := range out {
		out[k] = Block(k)
	}
	return out
}

func (b Block) String() string {
	if b < 0 || int(b) >= NumBlocks {
		return fmt.Sprintf("Block(%d)", int(b))
	}
	return blockNames[b]
}

// ParseBlock returns the block named s.
func ParseBlock(s string) (Block, error) {
	if k := slices.Index(blockNames[:], s); k >= 0 {
		return Block(k), nil
	}
	return 0, fmt.Errorf("unknown block %q", s)
}

// Fields returns the names of the state arrays owned by b.
func (b Block) Fields() []string {
	arrays := b.arrays(New(unitDims))
	out := make([]string, len(arrays))
	for k, a := range arrays {
		out[k] = a.Name
	}
	return out
}

// Values maps a field name to its flattened substitute.
type Values map[string][]float64

// Fixed is the sparse override map. A present key freezes its block; the
// block's update is skipped for the whole run. Non-empty Values are copied
// into the state before the first objective evaluation.
type Fixed map[Block]Values

// Has reports whether b is frozen.
func (f Fixed) Has(b Block) bool {
	_, ok := f[b]
	return ok
}

// Names returns the frozen block names in schedule order.
func (f Fixed) Names() []string {
	var out []string
	for _, b := range Blocks() {
		if f.Has(b) {
			out = append(out, b.String())
		}
	}
	return out
}

// Apply copies every substitute into q.
func (f Fixed) Apply(q *State) error {
	for _, b := range Blocks() {
		values, ok := f[b]
		if !ok {
			continue
		}
		owned := b.arrays(q)
		for name, v := range values {
			k := slices.IndexFunc(owned, func(a Array) bool { return a.Name == name })
			if k < 0 {
				if _, exists := q.Array(name); exists {
					return fmt.Errorf("fixed %s: field %q belongs to another block", b, name)
				}
				return fmt.Errorf("fixed %s: unknown field %q", b, name)
			}
			if len(v) != len(owned[k].Data) {
				return fmt.Errorf("fixed %s: field %q has %d values, want %d", b, name, len(v), len(owned[k].Data))
			}
			copy(owned[k].Data, v)
		}
	}
	return nil
}

// Snapshot returns a Fixed freezing the given blocks with substitutes equal
// to their current values in q.
func Snapshot(q *State, blocks ...Block) Fixed {
	f := make(Fixed, len(blocks))
	for _, b := range blocks {
		values := make(Values)
		for _, a := range b.arrays(q) {
			values[a.Name] = slices.Clone(a.Data)
		}
		f[b] = values
	}
	return f
}
