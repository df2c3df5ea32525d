package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the exchange's Prometheus collectors
type Metrics struct {
	registry           *prometheus.Registry
	OrdersPlaced       *prometheus.CounterVec
	SettlementDuration *prometheus.HistogramVec
	RequestCount       *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
	WebsocketClients   prometheus.Gauge
}

// New creates the collectors and registers them on registry
func New(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		OrdersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "exchange_orders_total",
				Help: "Orders handled by the matching engine by side and outcome.",
			},
			[]string{"side", "outcome"},
		),
		SettlementDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "exchange_settlement_duration_seconds",
				Help:    "Duration of the matching transaction in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"status"},
		),
		RequestCount: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests.",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "Duration of HTTP requests in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),
		WebsocketClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "exchange_websocket_clients",
			Help: "Connected order book subscribers.",
		}),
	}
	registry.MustRegister(m.OrdersPlaced, m.SettlementDuration, m.RequestCount, m.RequestDuration, m.WebsocketClients)
	return m
}

// ObserveOrder counts one order outcome
func (m *Metrics) ObserveOrder(side, outcome string) {
	if m == nil {
		return
	}
	m.OrdersPlaced.WithLabelValues(side, outcome).Inc()
}

// ObserveSettlement records how long a matching transaction took
func (m *Metrics) ObserveSettlement(status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.SettlementDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// ClientConnected and ClientDisconnected track websocket subscribers
func (m *Metrics) ClientConnected() {
	if m != nil {
		m.WebsocketClients.Inc()
	}
}

func (m *Metrics) ClientDisconnected() {
	if m != nil {
		m.WebsocketClients.Dec()
	}
}

// Middleware records request counts and latency labelled by route pattern
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
			}
		}
		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		labels := []string{r.Method, path, strconv.Itoa(status)}
		m.RequestCount.WithLabelValues(labels...).Inc()
		m.RequestDuration.WithLabelValues(labels...).Observe(time.Since(start).Seconds())
	})
}

// Handler serves the registry in the Prometheus text format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
