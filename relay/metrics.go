package relay

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/nostrelay/metric"
)

// Metrics holds Prometheus metrics for the relay server
type Metrics struct {
	connectionsActive prometheus.Gauge
	connectionsTotal  prometheus.Counter
	framesTotal       *prometheus.CounterVec
	eventsTotal       *prometheus.CounterVec
	broadcastDuration prometheus.Histogram
	queryDuration     prometheus.Histogram
	subscriptionsLive prometheus.Gauge
	errorsTotal       *prometheus.CounterVec
}

// newMetrics creates and registers relay metrics.
// Returns nil if no registry is provided (nil input = nil feature pattern).
func newMetrics(registry *metric.MetricsRegistry) *Metrics {
	if registry == nil {
		return nil
	}

	metrics := &Metrics{
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nostrelay",
			Subsystem: "relay",
			Name:      "connections_active",
			Help:      "Number of currently connected clients",
		}),

		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "nostrelay",
			Subsystem: "relay",
			Name:      "connections_total",
			Help:      "Total client connections accepted",
		}),

		framesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nostrelay",
			Subsystem: "relay",
			Name:      "frames_total",
			Help:      "Inbound protocol frames by type",
		}, []string{"type"}),

		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nostrelay",
			Subsystem: "relay",
			Name:      "events_total",
			Help:      "Event submissions by disposition",
		}, []string{"disposition"}),

		broadcastDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nostrelay",
			Subsystem: "relay",
			Name:      "broadcast_duration_seconds",
			Help:      "Time to fan an accepted event out to all live connections",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}),

		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "nostrelay",
			Subsystem: "relay",
			Name:      "query_duration_seconds",
			Help:      "Time to serve a subscription's historical backfill",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 5.0},
		}),

		subscriptionsLive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "nostrelay",
			Subsystem: "relay",
			Name:      "subscriptions_live",
			Help:      "Number of live subscriptions across all connections",
		}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "nostrelay",
			Subsystem: "relay",
			Name:      "errors_total",
			Help:      "Relay server errors",
		}, []string{"error_type"}),
	}

	registry.PrometheusRegistry().MustRegister(
		metrics.connectionsActive,
		metrics.connectionsTotal,
		metrics.framesTotal,
		metrics.eventsTotal,
		metrics.broadcastDuration,
		metrics.queryDuration,
		metrics.subscriptionsLive,
		metrics.errorsTotal,
	)

	return metrics
}
