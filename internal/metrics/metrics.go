// Package metrics provides Prometheus instrumentation for the perps engine.
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
	// TradesTotal counts executed and rejected trades by outcome status.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perps_trades_total",
		Help: "Total number of trade executions by outcome",
	}, []string{"market", "status"})

	// TradeLatency tracks trade execution latency.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perps_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"market"})

	// LiquidationsTotal counts forced position closures.
	LiquidationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perps_liquidations_total",
		Help: "Total number of position liquidations",
	}, []string{"market"})

	// MarginTransfersTotal counts margin deposits and withdrawals.
	MarginTransfersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perps_margin_transfers_total",
		Help: "Total number of margin transfers by direction",
	}, []string{"market", "direction"})

	// FundingRecomputesTotal counts funding accumulator updates.
	FundingRecomputesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perps_funding_recomputes_total",
		Help: "Total number of funding recomputations",
	}, []string{"market"})

	// ActiveMarkets tracks the number of initialized markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perps_active_markets",
		Help: "Number of initialized markets",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perps_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, path, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perps_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and path.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perps_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})

	// MarketVolume tracks cumulative traded notional per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perps_market_volume_total",
		Help: "Cumulative traded base-asset quantity",
	}, []string{"market"})
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

		// Use the request path for the label; routes here are shallow
		// enough not to explode cardinality.
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
