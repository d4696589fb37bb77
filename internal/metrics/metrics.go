// Package metrics holds the agent's Prometheus instrumentation.
//
// The agent registers everything on a private registry so an embedding
// server's default registry is never touched; the operator surface decides
// whether and where to expose it.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Event category label values.
const (
	CategoryPlayer      = "player"
	CategoryPerformance = "performance"
	CategoryServer      = "server"
)

// Delivery failure classes, mirroring the dispatcher's response taxonomy.
const (
	FailureNetwork    = "network"
	FailureAuth       = "auth"
	FailureThrottled  = "throttled"
	FailureRejected   = "rejected"
	FailureServer     = "server"
	FailureOverloaded = "overloaded"
	FailureDisabled   = "disabled"
)

// Metrics bundles the pipeline's counters and gauges.
type Metrics struct {
	registry *prometheus.Registry

	EventsQueued     *prometheus.CounterVec
	BatchesSent      prometheus.Counter
	EventsDelivered  prometheus.Counter
	BatchFailures    *prometheus.CounterVec
	LastDispatchUnix prometheus.Gauge
}

// New creates the metric set on a fresh registry.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		EventsQueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pivot",
			Subsystem: "agent",
			Name:      "events_queued_total",
			Help:      "Events accepted into the buffer, by category.",
		}, []string{"category"}),
		BatchesSent: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pivot",
			Subsystem: "agent",
			Name:      "batches_sent_total",
			Help:      "Batches acknowledged by the collector.",
		}),
		EventsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pivot",
			Subsystem: "agent",
			Name:      "events_delivered_total",
			Help:      "Events contained in acknowledged batches.",
		}),
		BatchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pivot",
			Subsystem: "agent",
			Name:      "batch_failures_total",
			Help:      "Discarded batches, by failure class.",
		}, []string{"reason"}),
		LastDispatchUnix: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pivot",
			Subsystem: "agent",
			Name:      "last_dispatch_timestamp_seconds",
			Help:      "Unix time of the last successful dispatch.",
		}),
	}
	m.registry.MustRegister(
		m.EventsQueued,
		m.BatchesSent,
		m.EventsDelivered,
		m.BatchFailures,
		m.LastDispatchUnix,
	)
	return m
}

// Registry returns the agent's private registry for the operator surface.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Depths is implemented by the event buffer.
type Depths interface {
	Depths() (players, health, lifecycle int64)
}

// ObserveQueueDepths registers gauge functions sampling the buffer's
// per-category depth on scrape.
func (m *Metrics) ObserveQueueDepths(d Depths) {
	depth := func(category string, pick func(p, h, l int64) int64) prometheus.GaugeFunc {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   "pivot",
			Subsystem:   "agent",
			Name:        "queue_depth",
			Help:        "Events currently buffered, by category.",
			ConstLabels: prometheus.Labels{"category": category},
		}, func() float64 {
			p, h, l := d.Depths()
			return float64(pick(p, h, l))
		})
	}
	m.registry.MustRegister(
		depth(CategoryPlayer, func(p, _, _ int64) int64 { return p }),
		depth(CategoryPerformance, func(_, h, _ int64) int64 { return h }),
		depth(CategoryServer, func(_, _, l int64) int64 { return l }),
	)
}
