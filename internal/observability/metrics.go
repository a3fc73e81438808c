// Package observability provides Prometheus metrics for monitoring the relay.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the relay.
type Metrics struct {
	// Upstream metrics
	NotificationsReceived prometheus.Counter
	RecordsResolved       prometheus.Counter
	DetailLookupErrors    prometheus.Counter
	UpstreamReconnects    prometheus.Counter
	UpstreamUnavailable   prometheus.Gauge
	RPCCallLatency        *prometheus.HistogramVec

	// Relay server metrics
	ClientsConnected prometheus.Gauge
	WatchedPools     prometheus.Gauge
	FanoutSends      prometheus.Counter
	FanoutDrops      prometheus.Counter
	ClientErrors     *prometheus.CounterVec
	ForcedCloses     *prometheus.CounterVec

	// Cache metrics
	CacheHits          prometheus.Counter
	CacheMisses        prometheus.Counter
	SingleflightShared prometheus.Counter
}

// NewMetrics creates a new Metrics instance with all metrics registered.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "pool_relay"
	}

	return &Metrics{
		NotificationsReceived: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "notifications_received_total",
			Help:      "Total number of log notifications received from the provider",
		}),
		RecordsResolved: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "records_resolved_total",
			Help:      "Total number of transaction records resolved and emitted",
		}),
		DetailLookupErrors: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "detail_lookup_errors_total",
			Help:      "Total number of failed transaction detail lookups",
		}),
		UpstreamReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "reconnects_total",
			Help:      "Total number of upstream socket reconnect attempts",
		}),
		UpstreamUnavailable: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "unavailable",
			Help:      "1 when the upstream socket has exhausted reconnect attempts",
		}),
		RPCCallLatency: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "upstream",
			Name:      "rpc_call_latency_seconds",
			Help:      "Provider RPC call latency in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),

		ClientsConnected: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "clients_connected",
			Help:      "Number of downstream client connections currently open",
		}),
		WatchedPools: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "watched_pools",
			Help:      "Number of pools with at least one subscriber",
		}),
		FanoutSends: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "fanout_sends_total",
			Help:      "Total number of transaction events delivered to clients",
		}),
		FanoutDrops: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "fanout_drops_total",
			Help:      "Total number of events dropped because a client send buffer was full",
		}),
		ClientErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "client_errors_total",
			Help:      "Total number of client protocol errors by type",
		}, []string{"error_type"}),
		ForcedCloses: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "relay",
			Name:      "forced_closes_total",
			Help:      "Total number of connections forcibly closed by reason",
		}, []string{"reason"}),

		CacheHits: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "hits_total",
			Help:      "Total number of cache hits",
		}),
		CacheMisses: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "misses_total",
			Help:      "Total number of cache misses",
		}),
		SingleflightShared: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cache",
			Name:      "singleflight_shared_total",
			Help:      "Total number of cache computations shared between concurrent callers",
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}

// DefaultMetrics is the default metrics instance.
var DefaultMetrics = NewMetrics("")

// RecordNotification increments the notifications received counter.
func RecordNotification() {
	DefaultMetrics.NotificationsReceived.Inc()
}

// RecordRecordResolved increments the resolved records counter.
func RecordRecordResolved() {
	DefaultMetrics.RecordsResolved.Inc()
}

// RecordDetailLookupError increments the detail lookup error counter.
func RecordDetailLookupError() {
	DefaultMetrics.DetailLookupErrors.Inc()
}

// RecordReconnect increments the upstream reconnect counter.
func RecordReconnect() {
	DefaultMetrics.UpstreamReconnects.Inc()
}

// SetUpstreamUnavailable updates the upstream availability gauge.
func SetUpstreamUnavailable(unavailable bool) {
	if unavailable {
		DefaultMetrics.UpstreamUnavailable.Set(1)
	} else {
		DefaultMetrics.UpstreamUnavailable.Set(0)
	}
}

// RecordRPCLatency records provider RPC call latency.
func RecordRPCLatency(method string, seconds float64) {
	DefaultMetrics.RPCCallLatency.WithLabelValues(method).Observe(seconds)
}

// SetClientsConnected updates the connected clients gauge.
func SetClientsConnected(n int) {
	DefaultMetrics.ClientsConnected.Set(float64(n))
}

// SetWatchedPools updates the watched pools gauge.
func SetWatchedPools(n int) {
	DefaultMetrics.WatchedPools.Set(float64(n))
}

// RecordFanoutSend increments the fan-out send counter.
func RecordFanoutSend() {
	DefaultMetrics.FanoutSends.Inc()
}

// RecordFanoutDrop increments the fan-out drop counter.
func RecordFanoutDrop() {
	DefaultMetrics.FanoutDrops.Inc()
}

// RecordClientError records a client protocol error.
func RecordClientError(errorType string) {
	DefaultMetrics.ClientErrors.WithLabelValues(errorType).Inc()
}

// RecordForcedClose records a forced connection close.
func RecordForcedClose(reason string) {
	DefaultMetrics.ForcedCloses.WithLabelValues(reason).Inc()
}

// RecordCacheHit increments the cache hit counter.
func RecordCacheHit() {
	DefaultMetrics.CacheHits.Inc()
}

// RecordCacheMiss increments the cache miss counter.
func RecordCacheMiss() {
	DefaultMetrics.CacheMisses.Inc()
}

// RecordSingleflightShared increments the shared computation counter.
func RecordSingleflightShared() {
	DefaultMetrics.SingleflightShared.Inc()
}
