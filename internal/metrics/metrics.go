// Package metrics provides Prometheus instrumentation for the perp engine.
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
	"github.com/shopspring/decimal"

	"github.com/atmx/perp-engine/internal/fixed"
	"github.com/atmx/perp-engine/internal/model"
)

var (
	// OperationsTotal counts state-changing calls by operation and outcome.
	OperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_operations_total",
		Help: "Total state-changing operations",
	}, []string{"op", "result"})

	// OperationLatency tracks end-to-end call latency including persistence.
	OperationLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_operation_latency_seconds",
		Help:    "Operation latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"op"})

	// ActiveMarkets tracks the number of registered markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_active_markets",
		Help: "Number of registered markets",
	})

	// OpenInterest is the open interest per market and side, in USD.
	OpenInterest = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_open_interest_usd",
		Help: "Open interest in USD",
	}, []string{"market_id", "side"})

	// PoolLiquidity is the USD liquidity backing each market.
	PoolLiquidity = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "perp_pool_liquidity_usd",
		Help: "Pool liquidity in USD",
	}, []string{"market_id"})

	// TradingVolume tracks cumulative position size changes per market.
	TradingVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_trading_volume_usd_total",
		Help: "Cumulative position size changes in USD",
	}, []string{"market_id", "side"})

	// Liquidations counts liquidated positions per market.
	Liquidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_liquidations_total",
		Help: "Liquidated positions",
	}, []string{"market_id"})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "perp_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "perp_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "perp_http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
	}, []string{"method", "path"})
)

// ObservePool publishes a pool's liquidity and open interest.
func ObservePool(p model.PoolAmounts) {
	PoolLiquidity.WithLabelValues(p.MarketID).Set(dollars(p.LiquidityUSD))
	OpenInterest.WithLabelValues(p.MarketID, "long").Set(dollars(p.LongOI))
	OpenInterest.WithLabelValues(p.MarketID, "short").Set(dollars(p.ShortOI))
}

// ObserveEvent updates the event-driven counters.
func ObserveEvent(e model.Event) {
	switch e.Type {
	case model.EventPositionIncreased, model.EventPositionDecreased:
		side := "short"
		if e.IsLong != nil && *e.IsLong {
			side = "long"
		}
		TradingVolume.WithLabelValues(e.Market, side).Add(dollars(e.Amount))
	case model.EventPositionLiquidated:
		Liquidations.WithLabelValues(e.Market).Inc()
	}
}

// dollars converts micro-USD to a float for export.
func dollars(v decimal.Decimal) float64 {
	return v.InexactFloat64() / float64(fixed.USDScale)
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
		path := r.URL.Path
		if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
			path = rc.RoutePattern()
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

// Hijack lets WebSocket upgrades pass through the middleware.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
