// Package metrics provides Prometheus instrumentation for the settlement engine.
package metrics

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesCreated counts trades accepted by the engine.
	TradesCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_trades_created_total",
		Help: "Total number of trades created",
	})

	// TradesCancelled counts pending trades cancelled with a refund.
	TradesCancelled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_trades_cancelled_total",
		Help: "Total number of trades cancelled and refunded",
	})

	// TradesSettled counts settlements, partitioned by result ("won"/"lost").
	TradesSettled = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_trades_settled_total",
		Help: "Total number of trades settled",
	}, []string{"result"})

	// PayoutTotal accumulates credited payouts.
	PayoutTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_payout_total",
		Help: "Cumulative payout credited to winning trades",
	})

	// TxConflicts counts commits that lost to a concurrent update.
	TxConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_tx_conflicts_total",
		Help: "Transaction conflicts by operation",
	}, []string{"op"})

	// OperationLatency tracks engine operation latency including retries.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_operation_latency_seconds",
		Help:    "Engine operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op", "outcome"})

	// EventsCompleted counts events whose options all resolved.
	EventsCompleted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "settle_events_completed_total",
		Help: "Events transitioned to completed",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "settle_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "settle_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "settle_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObserveOperation records the latency of one engine operation.
func ObserveOperation(op string, start time.Time, err error) {
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	OperationLatency.WithLabelValues(op, outcome).Observe(time.Since(start).Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware returns an HTTP middleware that records request metrics.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: 200}
		next.ServeHTTP(wrapped, r)
		duration := time.Since(start).Seconds()

		// Use the route pattern for path label to avoid high cardinality.
		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestsTotal.WithLabelValues(r.Method, path, strconv.Itoa(wrapped.status)).Inc()
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(duration)
	})
}

// statusWriter wraps http.ResponseWriter to capture the status code.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Hijack lets the WebSocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	return h.Hijack()
}
