// Package metrics exposes Prometheus collectors for gateway sessions, the
// REST rate limiter, the entity cache and the event dispatcher.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var waitBuckets = []float64{.001, .01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60}

// Metrics groups every collector. A nil *Metrics is valid and records nothing.
type Metrics struct {
	gatewayLatency *prometheus.GaugeVec
	reconnects     *prometheus.CounterVec
	gatewayEvents  *prometheus.CounterVec
	malformed      *prometheus.CounterVec

	restRequests  *prometheus.CounterVec
	restDuration  *prometheus.HistogramVec
	rateLimitWait *prometheus.HistogramVec
	rateLimitHits *prometheus.CounterVec

	cacheEntries *prometheus.GaugeVec
	dispatched   *prometheus.CounterVec
	backlog      prometheus.Gauge
}

// New registers the collectors with reg. A nil reg uses a private registry,
// which keeps the collectors working without exporting them.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		gatewayLatency: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardline_gateway_latency_seconds",
			Help: "Last heartbeat round trip per shard",
		}, []string{"shard"}),

		reconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardline_gateway_reconnects_total",
			Help: "Reconnect attempts per shard and mode",
		}, []string{"shard", "mode"}),

		gatewayEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardline_gateway_events_total",
			Help: "Dispatch payloads received per shard",
		}, []string{"shard"}),

		malformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardline_gateway_malformed_payloads_total",
			Help: "Payloads that failed to decode and were skipped",
		}, []string{"shard"}),

		restRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardline_rest_requests_total",
			Help: "REST requests sent per route and status",
		}, []string{"route", "status"}),

		restDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardline_rest_request_duration_seconds",
			Help:    "REST round trip time",
			Buckets: waitBuckets,
		}, []string{"route"}),

		rateLimitWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shardline_ratelimit_wait_seconds",
			Help:    "Time requests spent waiting for a bucket or the global limit",
			Buckets: waitBuckets,
		}, []string{"scope"}),

		rateLimitHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardline_ratelimit_hits_total",
			Help: "429 responses received per scope",
		}, []string{"scope"}),

		cacheEntries: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "shardline_cache_entries",
			Help: "Entries per cache",
		}, []string{"cache"}),

		dispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shardline_dispatch_events_total",
			Help: "Events delivered to listeners per type",
		}, []string{"type"}),

		backlog: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shardline_dispatch_backlog",
			Help: "Events queued and not yet delivered",
		}),
	}

	reg.MustRegister(
		m.gatewayLatency,
		m.reconnects,
		m.gatewayEvents,
		m.malformed,
		m.restRequests,
		m.restDuration,
		m.rateLimitWait,
		m.rateLimitHits,
		m.cacheEntries,
		m.dispatched,
		m.backlog,
	)
	return m
}

func shardLabel(shard int) string { return strconv.Itoa(shard) }

func (m *Metrics) GatewayLatency(shard int, d time.Duration) {
	if m == nil {
		return
	}
	m.gatewayLatency.WithLabelValues(shardLabel(shard)).Set(d.Seconds())
}

func (m *Metrics) Reconnect(shard int, resume bool) {
	if m == nil {
		return
	}
	mode := "identify"
	if resume {
		mode = "resume"
	}
	m.reconnects.WithLabelValues(shardLabel(shard), mode).Inc()
}

func (m *Metrics) GatewayEvent(shard int) {
	if m == nil {
		return
	}
	m.gatewayEvents.WithLabelValues(shardLabel(shard)).Inc()
}

func (m *Metrics) MalformedPayload(shard int) {
	if m == nil {
		return
	}
	m.malformed.WithLabelValues(shardLabel(shard)).Inc()
}

func (m *Metrics) RESTRequest(route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.restRequests.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.restDuration.WithLabelValues(route).Observe(d.Seconds())
}

func (m *Metrics) RateLimitWait(scope string, d time.Duration) {
	if m == nil || d <= 0 {
		return
	}
	m.rateLimitWait.WithLabelValues(scope).Observe(d.Seconds())
}

func (m *Metrics) RateLimitHit(scope string) {
	if m == nil {
		return
	}
	m.rateLimitHits.WithLabelValues(scope).Inc()
}

func (m *Metrics) CacheSize(cache string, n int) {
	if m == nil {
		return
	}
	m.cacheEntries.WithLabelValues(cache).Set(float64(n))
}

func (m *Metrics) Dispatched(eventType string) {
	if m == nil {
		return
	}
	m.dispatched.WithLabelValues(eventType).Inc()
}

func (m *Metrics) Backlog(delta int) {
	if m == nil {
		return
	}
	m.backlog.Add(float64(delta))
}
