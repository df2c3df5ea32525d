package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserve(t *testing.T) {
	m := New(prometheus.NewRegistry())

	m.ObserveOrder("buy", "filled")
	m.ObserveOrder("buy", "filled")
	m.ObserveOrder("sell", "rejected")
	m.ObserveSettlement("success", 15*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.OrdersPlaced.WithLabelValues("buy", "filled")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.OrdersPlaced.WithLabelValues("sell", "rejected")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.SettlementDuration))

	m.ClientConnected()
	m.ClientConnected()
	m.ClientDisconnected()
	assert.Equal(t, 1.0, testutil.ToFloat64(m.WebsocketClients))
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveOrder("buy", "filled")
	m.ObserveSettlement("error", time.Second)
	m.ClientConnected()
	m.ClientDisconnected()
}

func TestMiddlewareAndHandler(t *testing.T) {
	m := New(prometheus.NewRegistry())
	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/api/markets/{base}/{quote}/ticker", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	r.Method(http.MethodGet, "/metrics", m.Handler())

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/api/markets/BTC/USDT/ticker", nil))
	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestCount.WithLabelValues("GET", "/api/markets/{base}/{quote}/ticker", "418")))

	rr = httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rr.Code)
	body, err := io.ReadAll(rr.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "http_requests_total")
}
