package cavi

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the run metrics, kept on a private registry and dumped to a
// textfile when the run ends.
type Metrics struct {
	reg *prometheus.Registry

	IterationDuration prometheus.Histogram
	Iterations        prometheus.Counter
	Objective         prometheus.Gauge
	ObjectiveDelta    prometheus.Gauge
	TallyRate         *prometheus.GaugeVec
	Checkpoints       prometheus.Counter
	BlockSkips        *prometheus.CounterVec
}

// NewMetrics registers the run metrics on a fresh registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		reg: reg,
		IterationDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "cavi_iteration_duration_seconds",
				Help:    "Duration of one CAVI iteration including objective and checkpoint",
				Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
			},
		),
		Iterations: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cavi_iterations_total",
				Help: "Total number of completed iterations",
			},
		),
		Objective: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cavi_objective",
				Help: "Lower bound after the latest iteration",
			},
		),
		ObjectiveDelta: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "cavi_objective_delta",
				Help: "Change of the lower bound in the latest iteration",
			},
		),
		TallyRate: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "cavi_local_accept_percent",
				Help: "Percentage of baskets whose local proposal was accepted, by step kind",
			},
			[]string{"kind"},
		),
		Checkpoints: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "cavi_checkpoints_total",
				Help: "Total number of snapshots written",
			},
		),
		BlockSkips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "cavi_block_skips_total",
				Help: "Total number of scheduled block updates skipped because the block is fixed",
			},
			[]string{"block"},
		),
	}
}

// Registry returns the private registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// WriteTextfile writes the metrics in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, m.reg)
}

func (m *Metrics) observeRates(r TallyRates) {
	m.TallyRate.WithLabelValues("mu").Set(r.Mu)
	m.TallyRate.WithLabelValues("sigma_sq").Set(r.SigmaSq)
	m.TallyRate.WithLabelValues("both").Set(r.Both)
}
