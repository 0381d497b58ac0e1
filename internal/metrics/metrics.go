// Package metrics provides Prometheus instrumentation for the ledger engine.
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
	// TradesTotal counts executed trades, partitioned by side and outcome.
	TradesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultos_trades_total",
		Help: "Total number of trades executed",
	}, []string{"side", "outcome"})

	// TradeLatency tracks trade execution latency including lock wait.
	TradeLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vaultos_trade_latency_seconds",
		Help:    "Trade execution latency in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"side"})

	// TradeRejections counts trades refused before mutation, by error code.
	TradeRejections = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultos_trade_rejections_total",
		Help: "Trades rejected by validation or state checks",
	}, []string{"side", "code"})

	// ActiveMarkets tracks the number of open markets.
	ActiveMarkets = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vaultos_active_markets",
		Help: "Number of currently open markets",
	})

	// SessionsTotal counts session lifecycle events ("opened", "closed").
	SessionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultos_sessions_total",
		Help: "Session lifecycle events",
	}, []string{"event"})

	// SettlementsTotal counts resolved markets by winning outcome.
	SettlementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultos_settlements_total",
		Help: "Markets resolved",
	}, []string{"outcome"})

	// PayoutsTotal counts settlement payouts; credited="false" means no
	// open session could receive it.
	PayoutsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultos_payouts_total",
		Help: "Settlement payouts",
	}, []string{"credited"})

	// YieldAccrued sums yield credited to idle balances.
	YieldAccrued = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaultos_yield_accrued_total",
		Help: "Cumulative yield credited to idle balances",
	})

	// RefundsTotal counts granted early refunds.
	RefundsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaultos_refunds_total",
		Help: "Early refunds granted",
	})

	// PositionLimitRejections counts trades rejected by the position limiter.
	PositionLimitRejections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "vaultos_position_limit_rejections_total",
		Help: "Trades rejected by position limiter",
	})

	// MarketVolume tracks cumulative trade volume (cost) per market.
	MarketVolume = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultos_market_volume_total",
		Help: "Cumulative trade volume in collateral units",
	}, []string{"market_id", "side"})

	// RecorderBacklog is the number of settlements waiting to be published.
	RecorderBacklog = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vaultos_recorder_backlog",
		Help: "Settlements waiting in the outbox",
	})

	// WebSocketClients tracks connected WebSocket clients.
	WebSocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "vaultos_websocket_clients",
		Help: "Number of connected WebSocket clients",
	})

	// HTTPRequestsTotal counts HTTP requests by method, route, and status.
	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "vaultos_http_requests_total",
		Help: "Total HTTP requests",
	}, []string{"method", "path", "status"})

	// HTTPRequestDuration tracks request duration by method and route.
	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "vaultos_http_request_duration_seconds",
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

		// Use the route pattern for path label to avoid high cardinality.
		path := r.URL.Path
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				path = pattern
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

// Hijack lets the websocket upgrader take over the connection.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("metrics: response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
