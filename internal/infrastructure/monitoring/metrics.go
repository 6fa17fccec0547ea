package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the bridge.
type Metrics struct {
	// Action dispatch
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	PayloadBytes    *prometheus.HistogramVec

	// Outbound requests to the authority
	PendingInflight prometheus.Gauge
	Timeouts        prometheus.Counter
	RelayErrors     prometheus.Counter

	// Event fan-out
	Broadcasts     prometheus.Counter
	DeliveryErrors prometheus.Counter
	SinksAttached  prometheus.Gauge

	// Transport queues
	QueueDrops *prometheus.CounterVec

	Uptime    prometheus.Gauge
	startTime time.Time
}

// NewMetrics creates a metrics collector registered on reg. Tests pass
// their own registry so repeated construction does not collide.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		startTime: time.Now(),

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_requests_total",
				Help: "Total bridge action requests by outcome",
			},
			[]string{"action", "outcome"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_request_duration_seconds",
				Help:    "Action handler duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"action"},
		),
		PayloadBytes: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bridge_payload_bytes",
				Help:    "Envelope payload size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000},
			},
			[]string{"kind"},
		),

		PendingInflight: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_pending_inflight",
				Help: "Outbound requests awaiting an authority reply",
			},
		),
		Timeouts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bridge_timeouts_total",
				Help: "Outbound requests that expired before a reply",
			},
		),
		RelayErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bridge_relay_errors_total",
				Help: "Authority relay send failures",
			},
		),

		Broadcasts: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bridge_broadcasts_total",
				Help: "Events broadcast to attached sinks",
			},
		),
		DeliveryErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "bridge_delivery_errors_total",
				Help: "Per-sink event delivery failures",
			},
		),
		SinksAttached: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_sinks_attached",
				Help: "Web-view instances eligible for event delivery",
			},
		),

		QueueDrops: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bridge_queue_drops_total",
				Help: "Envelopes dropped because a transport queue was full",
			},
			[]string{"queue"},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "bridge_uptime_seconds",
				Help: "Host uptime in seconds",
			},
		),
	}
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}
