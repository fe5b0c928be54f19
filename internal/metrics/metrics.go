// Package metrics exposes Prometheus instrumentation for backtest and
// validation runs.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder holds the run-level Prometheus collectors. Each Recorder owns
// its registry, so constructing one per process (or per test) is safe.
type Recorder struct {
	registry *prometheus.Registry

	runsTotal   *prometheus.CounterVec
	tradesTotal *prometheus.CounterVec
	rebalances  prometheus.Counter
	runDuration *prometheus.HistogramVec
	finalEquity *prometheus.GaugeVec
}

// New creates a metrics recorder with a fresh registry.
func New() *Recorder {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Recorder{
		registry: registry,
		runsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trendbt_runs_total",
				Help: "Backtest runs by outcome",
			},
			[]string{"status"},
		),
		tradesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "trendbt_trades_total",
				Help: "Closed trades by exit reason",
			},
			[]string{"reason"},
		),
		rebalances: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "trendbt_rebalances_total",
				Help: "Executed rebalances across all runs",
			},
		),
		runDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "trendbt_run_duration_seconds",
				Help:    "Duration of backtest and validation runs",
				Buckets: prometheus.ExponentialBuckets(0.01, 4, 10),
			},
			[]string{"phase"},
		),
		finalEquity: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "trendbt_final_equity",
				Help: "Final equity of the most recent run per config",
			},
			[]string{"config"},
		),
	}
}

// RecordRun records a completed run with its outcome and wall time.
func (r *Recorder) RecordRun(status, phase string, seconds float64) {
	r.runsTotal.WithLabelValues(status).Inc()
	r.runDuration.WithLabelValues(phase).Observe(seconds)
}

// RecordTrade records a closed trade by exit reason.
func (r *Recorder) RecordTrade(reason string) {
	r.tradesTotal.WithLabelValues(reason).Inc()
}

// RecordRebalances counts executed rebalances from one run.
func (r *Recorder) RecordRebalances(n int) {
	r.rebalances.Add(float64(n))
}

// RecordFinalEquity records the final equity of a run.
func (r *Recorder) RecordFinalEquity(configID string, equity float64) {
	r.finalEquity.WithLabelValues(configID).Set(equity)
}

// Handler serves this recorder's registry over HTTP.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}
