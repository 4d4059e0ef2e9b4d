package cavi_test

import (
	"testing"

	"github.com/n0madic/go-basket-cavi/cavi"
	"github.com/n0madic/go-basket-cavi/dataset"
	"github.com/n0madic/go-basket-cavi/reference"
)

// BenchmarkIteration measures one full sweep of the update schedule
func BenchmarkIteration(b *testing.B) {
	cfg := dataset.DefaultSimConfig()
	cfg.Customers = 500
	cfg.Products = 200
	cfg.Factors = 5
	raw, err := dataset.Simulate(cfg)
	if err != nil {
		b.Fatalf("Simulate failed: %v", err)
	}
	d, err := dataset.Build(raw)
	if err != nil {
		b.Fatalf("Build failed: %v", err)
	}
	prior := cavi.DefaultPrior()
	q, err := reference.Init(d, cfg.Factors, &prior, 1)
	if err != nil {
		b.Fatalf("Init failed: %v", err)
	}
	r, err := cavi.New(reference.Procedures(), d, &prior, reference.Fixed(q), cavi.DefaultTuning(),
		cavi.Config{NIter: 1, NSavePer: 1, NPrintPer: 1, OutputDir: b.TempDir()})
	if err != nil {
		b.Fatalf("New failed: %v", err)
	}
	scratch := cavi.NewScratch(d, cfg.Factors)
	tallies := cavi.NewTallies(d.TotalBaskets)

	b.ResetTimer()
	b.ReportAllocs()

	for i := 0; i < b.N; i++ {
		tallies.Reset()
		if err := r.Iteration(q, scratch, tallies); err != nil {
			b.Fatalf("Iteration failed: %v", err)
		}
	}
}
