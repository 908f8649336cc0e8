package activebee

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exports unit lifecycle events as prometheus metrics. It is an
// Observer; instrumented hives subscribe one automatically.
type Metrics struct {
	units      *prometheus.CounterVec
	requests   *prometheus.CounterVec
	migrations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
	migration  prometheus.Histogram
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "activebee",
			Name:      "units_total",
			Help:      "Units created and terminated, by class.",
		}, []string{"class", "event"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "activebee",
			Name:      "requests_total",
			Help:      "Requests by class, method and outcome.",
		}, []string{"class", "method", "outcome"}),
		migrations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "activebee",
			Name:      "migrations_total",
			Help:      "Migrations by class and result.",
		}, []string{"class", "result"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "activebee",
			Name:      "request_latency_seconds",
			Help:      "Time from arrival to completion of requests.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"class", "method"}),
		migration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "activebee",
			Name:      "migration_seconds",
			Help:      "Duration of completed migrations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}

	for _, c := range []prometheus.Collector{m.units, m.requests, m.migrations,
		m.latency, m.migration} {

		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Observe implements Observer.
func (m *Metrics) Observe(e Event) {
	switch e.Kind {
	case UnitCreated:
		m.units.WithLabelValues(e.Class, "created").Inc()
	case UnitTerminated:
		m.units.WithLabelValues(e.Class, "terminated").Inc()
	case RequestEnqueued:
		m.requests.WithLabelValues(e.Class, e.Method, "enqueued").Inc()
	case RequestRejected:
		m.requests.WithLabelValues(e.Class, e.Method, "rejected").Inc()
	case RequestServed:
		outcome := "ok"
		if e.Err != nil {
			outcome = "error"
		}
		m.requests.WithLabelValues(e.Class, e.Method, outcome).Inc()
		m.latency.WithLabelValues(e.Class, e.Method).Observe(e.Latency.Seconds())
	case MigrationStarted:
		m.migrations.WithLabelValues(e.Class, "started").Inc()
	case MigrationCompleted:
		m.migrations.WithLabelValues(e.Class, "completed").Inc()
		m.migration.Observe(e.Latency.Seconds())
	case MigrationAborted:
		m.migrations.WithLabelValues(e.Class, "aborted").Inc()
	}
}
