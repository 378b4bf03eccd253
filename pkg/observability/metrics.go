package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service. Each instance owns its
// registry so tests can create as many as they like. A nil *Metrics records
// nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics
	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec

	// Command path
	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	CommandRetries  *prometheus.CounterVec
	AppendConflicts prometheus.Counter
	EventsAppended  prometheus.Counter

	// Read side
	ProjectionWatermark *prometheus.GaugeVec
	ProjectionDropped   *prometheus.CounterVec
	QueryDuration       *prometheus.HistogramVec

	// Background work
	SnapshotsTaken   prometheus.Counter
	SnapshotFailures prometheus.Counter
	ExportFailures   prometheus.Counter
	BreakerState     *prometheus.GaugeVec
}

// NewMetrics creates the collector set under namespace
func NewMetrics(namespace string) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands handled, by type and outcome",
		}, []string{"command", "status"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "command_duration_seconds",
			Help:      "Command handling duration in seconds, retries included",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		CommandRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_retries_total",
			Help:      "Command attempts repeated after a retryable failure",
		}, []string{"reason"}),
		AppendConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "append_conflicts_total",
			Help:      "Appends rejected because the stream moved",
		}),
		EventsAppended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Events durably appended",
		}),
		ProjectionWatermark: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "projection_watermark",
			Help:      "Highest sequence folded by a projection for the last graph it touched",
		}, []string{"projection"}),
		ProjectionDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projection_notifications_dropped_total",
			Help:      "Notifications dropped because a projection queue was full",
		}, []string{"projection"}),
		QueryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "query_duration_seconds",
			Help:      "Query handling duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"query"}),
		SnapshotsTaken: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_taken_total",
			Help:      "Snapshots written",
		}),
		SnapshotFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_failures_total",
			Help:      "Snapshot writes or loads that failed",
		}),
		ExportFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "export_failures_total",
			Help:      "Envelope batches the export sink rejected",
		}),
		BreakerState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "0 closed, 1 half-open, 2 open",
		}, []string{"breaker"}),
	}

	m.registry.MustRegister(
		m.HTTPRequests,
		m.HTTPDuration,
		m.Commands,
		m.CommandDuration,
		m.CommandRetries,
		m.AppendConflicts,
		m.EventsAppended,
		m.ProjectionWatermark,
		m.ProjectionDropped,
		m.QueryDuration,
		m.SnapshotsTaken,
		m.SnapshotFailures,
		m.ExportFailures,
		m.BreakerState,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the registry backing this collector set
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordCommand(command, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(command, status).Inc()
	m.CommandDuration.WithLabelValues(command).Observe(d.Seconds())
}

func (m *Metrics) RecordRetry(reason string) {
	if m == nil {
		return
	}
	m.CommandRetries.WithLabelValues(reason).Inc()
	if reason == "conflict" {
		m.AppendConflicts.Inc()
	}
}

func (m *Metrics) RecordAppended(n int) {
	if m == nil {
		return
	}
	m.EventsAppended.Add(float64(n))
}

func (m *Metrics) RecordWatermark(projection string, seq uint64) {
	if m == nil {
		return
	}
	m.ProjectionWatermark.WithLabelValues(projection).Set(float64(seq))
}

func (m *Metrics) RecordDropped(projection string) {
	if m == nil {
		return
	}
	m.ProjectionDropped.WithLabelValues(projection).Inc()
}

func (m *Metrics) RecordQuery(query string, d time.Duration) {
	if m == nil {
		return
	}
	m.QueryDuration.WithLabelValues(query).Observe(d.Seconds())
}

func (m *Metrics) RecordSnapshot(err error) {
	if m == nil {
		return
	}
	if err != nil {
		m.SnapshotFailures.Inc()
		return
	}
	m.SnapshotsTaken.Inc()
}

func (m *Metrics) RecordExportFailure() {
	if m == nil {
		return
	}
	m.ExportFailures.Inc()
}

func (m *Metrics) RecordBreakerState(name string, state int) {
	if m == nil {
		return
	}
	m.BreakerState.WithLabelValues(name).Set(float64(state))
}

func (m *Metrics) RecordHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
