package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/vaultos/ledger-engine/internal/ledger"
	"github.com/vaultos/ledger-engine/internal/metrics"
)

// NewRouter mounts every endpoint. hub may be nil, which disables /ws.
func NewRouter(l *ledger.Ledger, hub *Hub, requestTimeout time.Duration) http.Handler {
	h := NewHandlers(l)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(cors)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"ok","service":"ledger-engine"}`))
	})
	r.Handle("/metrics", metrics.Handler())
	if hub != nil {
		r.Get("/ws", hub.HandleWS)
	}

	r.Group(func(r chi.Router) {
		if requestTimeout > 0 {
			r.Use(middleware.Timeout(requestTimeout))
		}

		r.Post("/session", h.CreateSession)
		r.Get("/session", h.ListSessions)
		r.Get("/session/{id}", h.GetSession)
		r.Get("/session/{id}/trades", h.GetSessionTrades)
		r.Post("/session/{id}/close", h.CloseSession)

		r.Get("/balance/{sessionId}", h.GetBalance)
		r.Post("/balance/move-to-idle", h.MoveToIdle)
		r.Post("/balance/accrue-yield", h.AccrueYield)
		r.Post("/balance/refund", h.RequestRefund)

		r.Post("/market", h.CreateMarket)
		r.Get("/market", h.ListMarkets)
		r.Get("/market/{id}", h.GetMarket)
		r.Get("/market/{id}/price", h.GetPrice)
		r.Get("/market/{id}/trades", h.GetTrades)
		r.Get("/market/{id}/settlement", h.GetSettlement)
		r.Post("/market/{id}/resolve", h.ResolveMarket)

		r.Post("/trade/buy", h.Buy)
		r.Post("/trade/sell", h.Sell)

		r.Get("/positions/{user}", h.GetPositions)
	})
	return r
}

func cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
