// Package metrics provides Prometheus instrumentation for the pricing engine.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TradesTotal counts total trades executed, partitioned by side.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clum_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side"})

	// TradeLatency tracks trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clum_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// CostUpdatesTotal counts verified batch cost updates.
	CostUpdatesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clum_cost_updates_total",
		Help: "Verified batch cost updates committed",
	})

	// VerificationRejections counts rejected cost proposals by check.
	VerificationRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clum_verification_rejections_total",
		Help: "Cost proposals rejected by the verifier",
	}, []string{"check"})

	// RecentersTotal counts grid recenter operations.
	RecentersTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clum_recenters_total",
		Help: "Grid recenter operations",
	})

	// RiskRejections counts trades rejected by the solvency limiter.
	RiskRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clum_risk_rejections_total",
		Help: "Trades rejected by solvency limits",
	})

	// FundingQueriesTotal counts funding rate derivations.
	FundingQueriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "clum_funding_queries_total",
		Help: "Funding rate queries served",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "clum_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "clum_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "clum_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

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

		// Use the raw path for the label; the route surface is small and
		// fixed, so cardinality stays bounded.
		path := r.URL.Path
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
