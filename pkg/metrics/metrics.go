package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/amoylab/kefu/internal/common/config"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Delivery outcomes
const (
	DeliveryDelivered = "delivered"
	DeliveryStale     = "stale"
	DeliveryNoTarget  = "no_target"
	DeliveryOverflow  = "overflow"
)

// Pairing outcomes
const (
	PairingAssigned = "assigned"
	PairingResumed  = "resumed"
	PairingQueued   = "queued"
	PairingIdle     = "idle"
)

// Metrics holds the prometheus collectors for the relay server.
// All recording methods are safe on a nil receiver.
type Metrics struct {
	registry   *prometheus.Registry
	httpReqCnt *prometheus.CounterVec
	httpDur    *prometheus.HistogramVec
	httpInfl   *prometheus.GaugeVec
	conns      *prometheus.GaugeVec
	connDur    *prometheus.HistogramVec
	frames     *prometheus.CounterVec
	deliveries *prometheus.CounterVec
	pairings   *prometheus.CounterVec
	evictions  prometheus.Counter
	waiting    prometheus.Gauge
}

func New(cfg config.MetricsConfig) *Metrics {
	ns := cfg.Namespace
	buckets := cfg.Buckets
	if len(buckets) == 0 {
		buckets = prometheus.DefBuckets
	}

	r := prometheus.NewRegistry()
	r.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	r.MustRegister(collectors.NewGoCollector())

	m := &Metrics{
		registry:   r,
		httpReqCnt: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "http_requests_total"}, []string{"method", "route", "status"}),
		httpDur:    prometheus.NewHistogramVec(prometheus.HistogramOpts{Namespace: ns, Name: "http_request_duration_seconds", Buckets: buckets}, []string{"method", "route", "status"}),
		httpInfl:   prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "http_requests_inflight"}, []string{"route"}),
		conns:      prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: ns, Name: "ws_connections"}, []string{"role"}),
		connDur: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "ws_connection_duration_seconds",
			Buckets:   []float64{1, 10, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"role"}),
		frames:     prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "ws_frames_total"}, []string{"type"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "ws_deliveries_total"}, []string{"outcome"}),
		pairings:   prometheus.NewCounterVec(prometheus.CounterOpts{Namespace: ns, Name: "pairings_total"}, []string{"role", "outcome"}),
		evictions:  prometheus.NewCounter(prometheus.CounterOpts{Namespace: ns, Name: "heartbeat_evictions_total"}),
		waiting:    prometheus.NewGauge(prometheus.GaugeOpts{Namespace: ns, Name: "waiting_queue_length"}),
	}
	r.MustRegister(m.httpReqCnt, m.httpDur, m.httpInfl)
	r.MustRegister(m.conns, m.connDur, m.frames, m.deliveries, m.pairings, m.evictions, m.waiting)
	return m
}

func (m *Metrics) ConnOpened(role string) {
	if m == nil {
		return
	}
	m.conns.WithLabelValues(role).Inc()
}

func (m *Metrics) ConnClosed(role string, since time.Time) {
	if m == nil {
		return
	}
	m.conns.WithLabelValues(role).Dec()
	m.connDur.WithLabelValues(role).Observe(time.Since(since).Seconds())
}

func (m *Metrics) Frame(frameType string) {
	if m == nil {
		return
	}
	m.frames.WithLabelValues(frameType).Inc()
}

func (m *Metrics) Delivery(outcome string) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(outcome).Inc()
}

func (m *Metrics) Pairing(role, outcome string) {
	if m == nil {
		return
	}
	m.pairings.WithLabelValues(role, outcome).Inc()
}

func (m *Metrics) Eviction() {
	if m == nil {
		return
	}
	m.evictions.Inc()
}

func (m *Metrics) WaitingQueue(n int) {
	if m == nil {
		return
	}
	m.waiting.Set(float64(n))
}

func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.httpInfl.WithLabelValues(route).Inc()
		start := time.Now()
		c.Next()
		status := strconv.Itoa(c.Writer.Status())
		m.httpReqCnt.WithLabelValues(c.Request.Method, route, status).Inc()
		m.httpDur.WithLabelValues(c.Request.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpInfl.WithLabelValues(route).Dec()
	}
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
