package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors of one process. All methods are safe on a
// nil receiver so components can run without instrumentation.
type Metrics struct {
	registry *prometheus.Registry

	recordsIngested prometheus.Counter
	recordsSkipped  *prometheus.CounterVec
	lateRecords     prometheus.Counter
	sessionsEmitted *prometheus.CounterVec
	writerErrors    *prometheus.CounterVec
	openRuns        prometheus.Gauge
}

// New creates the collectors and registers them on a private registry
// together with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		recordsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ns",
			Name:      "records_ingested_total",
			Help:      "Valid flow records accepted by the sessionizer.",
		}),
		recordsSkipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ns",
			Name:      "records_skipped_total",
			Help:      "Malformed flow records skipped during ingestion.",
		}, []string{"reason"}),
		lateRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "ns",
			Name:      "late_records_total",
			Help:      "Records that arrived after their peer pair's run had moved past them.",
		}),
		sessionsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ns",
			Name:      "sessions_emitted_total",
			Help:      "Sessions handed to a writer.",
		}, []string{"writer"}),
		writerErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ns",
			Name:      "writer_errors_total",
			Help:      "Failed writer calls.",
		}, []string{"writer"}),
		openRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "ns",
			Name:      "open_runs",
			Help:      "Peer pairs with an open run in stream mode.",
		}),
	}

	m.registry.MustRegister(
		m.recordsIngested,
		m.recordsSkipped,
		m.lateRecords,
		m.sessionsEmitted,
		m.writerErrors,
		m.openRuns,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordIngested() {
	if m != nil {
		m.recordsIngested.Inc()
	}
}

func (m *Metrics) RecordSkipped(reason string) {
	if m != nil {
		m.recordsSkipped.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) LateRecord() {
	if m != nil {
		m.lateRecords.Inc()
	}
}

func (m *Metrics) SessionsEmitted(writer string, n int) {
	if m != nil && n > 0 {
		m.sessionsEmitted.WithLabelValues(writer).Add(float64(n))
	}
}

func (m *Metrics) WriterError(writer string) {
	if m != nil {
		m.writerErrors.WithLabelValues(writer).Inc()
	}
}

func (m *Metrics) AddOpenRuns(delta int) {
	if m != nil {
		m.openRuns.Add(float64(delta))
	}
}
