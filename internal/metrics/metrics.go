// Package metrics exposes scoring counters to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics manages the Prometheus metrics. A nil *Metrics is valid and
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	RecordsScored   *prometheus.CounterVec
	RecordsFailed   *prometheus.CounterVec
	ScoringRuns     *prometheus.CounterVec
	ScoringDuration prometheus.Histogram
	Exports         prometheus.Counter
	HTTPRequests    *prometheus.CounterVec
}

// New creates the metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		RecordsScored: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edrs_records_scored_total",
				Help: "Total number of records scored, by risk bucket.",
			},
			[]string{"bucket"},
		),
		RecordsFailed: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edrs_records_failed_total",
				Help: "Total number of records excluded from a run, by failure kind.",
			},
			[]string{"kind"},
		),
		ScoringRuns: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edrs_scoring_runs_total",
				Help: "Total number of scoring runs, by result.",
			},
			[]string{"result"},
		),
		ScoringDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "edrs_scoring_duration_seconds",
				Help:    "Duration of scoring runs.",
				Buckets: prometheus.DefBuckets,
			},
		),
		Exports: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "edrs_exports_total",
				Help: "Total number of workbooks exported.",
			},
		),
		HTTPRequests: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "edrs_http_requests_total",
				Help: "Total number of HTTP requests, by method and status class.",
			},
			[]string{"method", "status"},
		),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// RecordRun records a finished run.
func (m *Metrics) RecordRun(result string, buckets map[string]int, failures map[string]int, duration time.Duration) {
	if m == nil {
		return
	}
	m.ScoringRuns.WithLabelValues(result).Inc()
	m.ScoringDuration.Observe(duration.Seconds())
	for b, n := range buckets {
		m.RecordsScored.WithLabelValues(b).Add(float64(n))
	}
	for k, n := range failures {
		m.RecordsFailed.WithLabelValues(k).Add(float64(n))
	}
}

// RecordExport records a workbook export.
func (m *Metrics) RecordExport() {
	if m == nil {
		return
	}
	m.Exports.Inc()
}

// RecordRequest records a served HTTP request.
func (m *Metrics) RecordRequest(method string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, statusClass(status)).Inc()
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
