package obs

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry          *prometheus.Registry
	requests          *prometheus.CounterVec
	gatewayErrors     *prometheus.CounterVec
	cacheRequests     *prometheus.CounterVec
	upstreamErrors    *prometheus.CounterVec
	backendLaunches   *prometheus.CounterVec
	backendExits      prometheus.Counter
	requestDuration   prometheus.Histogram
	upstreamRoundTrip prometheus.Histogram
	backendUp         prometheus.Gauge
	cacheEntries      prometheus.Gauge
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_requests_total",
		Help: "Total gateway requests",
	}, []string{"method", "status_class"})

	gatewayErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_errors_total",
		Help: "Total gateway error responses by category",
	}, []string{"category"})

	cacheRequests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_cache_requests_total",
		Help: "Total cache lookups",
	}, []string{"status"})

	upstreamErrors := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_upstream_errors_total",
		Help: "Total upstream errors",
	}, []string{"kind"})

	backendLaunches := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "gateway_backend_launches_total",
		Help: "Total backend launch attempts",
	}, []string{"result"})

	backendExits := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "gateway_backend_exits_total",
		Help: "Total observed backend process exits",
	})

	requestDuration := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_request_duration_seconds",
		Help:    "Gateway request duration",
		Buckets: prometheus.DefBuckets,
	})

	upstreamRoundTrip := prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "gateway_upstream_roundtrip_seconds",
		Help:    "Upstream roundtrip duration",
		Buckets: prometheus.DefBuckets,
	})

	backendUp := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_backend_up",
		Help: "Whether the supervised backend is running",
	})

	cacheEntries := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "gateway_cache_entries",
		Help: "Entries currently held by the response cache",
	})

	registry.MustRegister(requests, gatewayErrors, cacheRequests, upstreamErrors, backendLaunches, backendExits, requestDuration, upstreamRoundTrip, backendUp, cacheEntries)

	return &Metrics{
		registry:          registry,
		requests:          requests,
		gatewayErrors:     gatewayErrors,
		cacheRequests:     cacheRequests,
		upstreamErrors:    upstreamErrors,
		backendLaunches:   backendLaunches,
		backendExits:      backendExits,
		requestDuration:   requestDuration,
		upstreamRoundTrip: upstreamRoundTrip,
		backendUp:         backendUp,
		cacheEntries:      cacheEntries,
	}
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) ObserveRequest(method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	m.requests.WithLabelValues(method, statusClass(status)).Inc()
	m.requestDuration.Observe(duration.Seconds())
}

func (m *Metrics) RecordGatewayError(category string) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	if category == "" {
		category = "unknown"
	}
	m.gatewayErrors.WithLabelValues(category).Inc()
}

func (m *Metrics) RecordCacheRequest(status string) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	if status == "" {
		status = "unknown"
	}
	m.cacheRequests.WithLabelValues(status).Inc()
}

func (m *Metrics) SetCacheEntries(n int) {
	if m == nil {
		return
	}
	m.cacheEntries.Set(float64(n))
}

func (m *Metrics) ObserveUpstreamRoundTrip(duration time.Duration) {
	if m == nil {
		return
	}
	m.upstreamRoundTrip.Observe(duration.Seconds())
}

func (m *Metrics) RecordUpstreamError(kind string) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	m.upstreamErrors.WithLabelValues(kind).Inc()
}

func (m *Metrics) RecordBackendLaunch(result string) {
	if m == nil {
		return
	}
	defer func() {
		_ = recover()
	}()

	m.backendLaunches.WithLabelValues(result).Inc()
}

func (m *Metrics) RecordBackendExit() {
	if m == nil {
		return
	}
	m.backendExits.Inc()
}

func (m *Metrics) SetBackendUp(up bool) {
	if m == nil {
		return
	}
	value := 0.0
	if up {
		value = 1.0
	}
	m.backendUp.Set(value)
}

func statusClass(status int) string {
	if status <= 0 {
		return "unknown"
	}
	class := status / 100
	return fmt.Sprintf("%dxx", class)
}
