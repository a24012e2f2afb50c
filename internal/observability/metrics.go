package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the HTTP and business counters exported on /metrics.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	ordersSubmitted *prometheus.CounterVec
	ordersPaid      *prometheus.CounterVec
	stockRejections *prometheus.CounterVec
	vouchersPosted  *prometheus.CounterVec
}

func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_http_requests_total",
			Help: "HTTP requests by route and status code.",
		}, []string{"route", "code"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "pos_http_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		ordersSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_orders_submitted_total",
			Help: "Order submissions by payment method.",
		}, []string{"method"}),
		ordersPaid: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_orders_paid_total",
			Help: "Orders moved to paid by payment method.",
		}, []string{"method"}),
		stockRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_stock_rejections_total",
			Help: "Operations refused for lack of sellable stock.",
		}, []string{"reason"}),
		vouchersPosted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "pos_vouchers_posted_total",
			Help: "Inventory vouchers posted by type and outcome.",
		}, []string{"type", "outcome"}),
	}
	registry.MustRegister(m.requestsTotal, m.requestDuration, m.ordersSubmitted, m.ordersPaid, m.stockRejections, m.vouchersPosted)
	m.handler = promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// The recorders below accept a nil receiver so callers need no guard.

func (m *Metrics) OrderSubmitted(method string) {
	if m != nil {
		m.ordersSubmitted.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) OrderPaid(method string) {
	if m != nil {
		m.ordersPaid.WithLabelValues(method).Inc()
	}
}

func (m *Metrics) StockRejected(reason string) {
	if m != nil {
		m.stockRejections.WithLabelValues(reason).Inc()
	}
}

func (m *Metrics) VoucherPosted(kind string, outcome string) {
	if m != nil {
		m.vouchersPosted.WithLabelValues(kind, outcome).Inc()
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
