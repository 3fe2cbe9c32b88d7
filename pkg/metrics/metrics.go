package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all application metrics
type Metrics struct {
	// Delivery metrics
	DeliveriesTotal       *prometheus.CounterVec
	DeliveryLatency       *prometheus.HistogramVec
	DeliveryRetries       *prometheus.CounterVec
	DequeueBatchSize      prometheus.Histogram
	DequeueLatency        prometheus.Histogram
	NotificationsEnqueued *prometheus.CounterVec
	SweptExpired          prometheus.Counter
	RetentionPurged       prometheus.Counter

	// Presence metrics
	ActiveSessions prometheus.Gauge
	Replays        *prometheus.CounterVec
	RelayMessages  *prometheus.CounterVec

	// Ingestion metrics
	EventsConsumed *prometheus.CounterVec

	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// NewMetrics creates all application metrics and registers them with reg. A nil
// reg registers with the default prometheus registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		DeliveriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Delivery attempts by channel and outcome",
		}, []string{"channel", "outcome"}),
		DeliveryLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Time spent sending a single delivery record",
			Buckets:   []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}, []string{"channel"}),
		DeliveryRetries: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delivery_retries_total",
			Help:      "Delivery records scheduled for retry",
		}, []string{"channel"}),
		DequeueBatchSize: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dequeue_batch_size",
			Help:      "Number of records claimed per dequeue",
			Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
		}),
		DequeueLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dequeue_duration_seconds",
			Help:      "Time spent claiming a batch from the delivery queue",
			Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		}),
		NotificationsEnqueued: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notifications_enqueued_total",
			Help:      "Notifications accepted by type",
		}, []string{"type"}),
		SweptExpired: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_expired_total",
			Help:      "Delivery records moved to expired by the sweep",
		}),
		RetentionPurged: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_purged_total",
			Help:      "Terminal delivery records removed by retention",
		}),
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_sessions",
			Help:      "Live real-time sessions on this node",
		}),
		Replays: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "replays_total",
			Help:      "Reconnect replays by outcome",
		}, []string{"outcome"}),
		RelayMessages: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relay_messages_total",
			Help:      "Cross-node push relay messages by direction",
		}, []string{"direction"}),
		EventsConsumed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_consumed_total",
			Help:      "Domain events read from the broker by outcome",
		}, []string{"outcome"}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
	}
}

// NewNop returns metrics registered with a private registry, for tests and tools.
func NewNop() *Metrics {
	return NewMetrics("test", prometheus.NewRegistry())
}
