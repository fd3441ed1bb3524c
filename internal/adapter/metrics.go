package adapter

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metric names as constants for consistency.
const (
	MetricEventsTotal           = "audit_adapter_events_total"
	MetricProcessDuration       = "audit_adapter_process_duration_seconds"
	MetricNoSubscriberPublishes = "audit_pubsub_no_subscriber_publishes_total"
)

// Status label values.
const (
	StatusDelivered = "delivered"
	StatusDegraded  = "degraded"
	StatusFailed    = "failed"
)

// Metrics contains Prometheus metrics for adapter delivery. All operations
// are safe for concurrent use; a nil *Metrics is a no-op so adapters can run
// unmetered in tests.
type Metrics struct {
	eventsTotal     *prometheus.CounterVec
	processDuration *prometheus.HistogramVec
	noSubscribers   prometheus.Counter
}

// NewMetrics creates all collectors. They are not registered; call Register
// with a registry.
func NewMetrics() *Metrics {
	return &Metrics{
		eventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: MetricEventsTotal,
				Help: "Total audit events handled by delivery adapter and status",
			},
			[]string{"adapter", "status"},
		),
		processDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    MetricProcessDuration,
				Help:    "Histogram of adapter process durations in seconds",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
			},
			[]string{"adapter"},
		),
		noSubscribers: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: MetricNoSubscriberPublishes,
				Help: "Total pub/sub publishes that reached zero subscribers",
			},
		),
	}
}

// Register registers all collectors with the given registry.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.eventsTotal, m.processDuration, m.noSubscribers} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (m *Metrics) observe(adapterName, status string, seconds float64) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(adapterName, status).Inc()
	m.processDuration.WithLabelValues(adapterName).Observe(seconds)
}

func (m *Metrics) observeNoSubscribers() {
	if m == nil {
		return
	}
	m.noSubscribers.Inc()
}
