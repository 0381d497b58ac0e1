// Package httpapi exposes the ledger over HTTP/JSON and streams market
// events over a websocket.
//
// All monetary values are decimals encoded as JSON strings.
package httpapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/vaultos/ledger-engine/internal/apperr"
	"github.com/vaultos/ledger-engine/internal/ledger"
	"github.com/vaultos/ledger-engine/internal/model"
)

// Handlers binds HTTP routes to a Ledger.
type Handlers struct {
	ledger *ledger.Ledger
}

// NewHandlers creates the handler set.
func NewHandlers(l *ledger.Ledger) *Handlers {
	return &Handlers{ledger: l}
}

// --- Request/Response types ---

// CreateSessionRequest is the body of POST /session.
type CreateSessionRequest struct {
	Owner         string          `json:"owner"`
	DepositAmount decimal.Decimal `json:"depositAmount"`
}

// CreateSessionResponse is returned from POST /session.
type CreateSessionResponse struct {
	SessionID string    `json:"sessionId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionAmountRequest is the body of the balance mutations.
type SessionAmountRequest struct {
	SessionID string          `json:"sessionId"`
	Amount    decimal.Decimal `json:"amount"`
}

// BalanceResponse is a session's tiers plus the refund quote.
type BalanceResponse struct {
	SessionID       string          `json:"sessionId"`
	Active          decimal.Decimal `json:"active"`
	Idle            decimal.Decimal `json:"idle"`
	YieldAccrued    decimal.Decimal `json:"yieldAccrued"`
	Reserved        decimal.Decimal `json:"reserved"`
	Credited        decimal.Decimal `json:"credited"`
	Total           decimal.Decimal `json:"total"`
	RefundAvailable bool            `json:"refundAvailable"`
	RefundAmount    decimal.Decimal `json:"refundAmount"`
}

// CreateMarketRequest is the body of POST /market.
type CreateMarketRequest struct {
	Question  string          `json:"question"`
	EndTime   time.Time       `json:"endTime"`
	Liquidity decimal.Decimal `json:"liquidity"` // 0 → default
}

// TradeRequest is the body of POST /trade/buy and /trade/sell.
type TradeRequest struct {
	SessionID string          `json:"sessionId"`
	MarketID  string          `json:"marketId"`
	Outcome   model.Outcome   `json:"outcome"`
	Shares    decimal.Decimal `json:"shares"`
}

// TradeResponse is returned from the trade endpoints. Cost is set on buys
// and Proceeds on sells.
type TradeResponse struct {
	TradeID      string           `json:"tradeId"`
	Side         string           `json:"side"`
	Outcome      model.Outcome    `json:"outcome"`
	Shares       decimal.Decimal  `json:"shares"`
	Cost         *decimal.Decimal `json:"cost,omitempty"`
	Proceeds     *decimal.Decimal `json:"proceeds,omitempty"`
	AveragePrice decimal.Decimal  `json:"averagePrice"`
	NewPrice     decimal.Decimal  `json:"newPrice"`
	PriceYes     decimal.Decimal  `json:"priceYes"`
	PriceNo      decimal.Decimal  `json:"priceNo"`
}

// ResolveRequest is the body of POST /market/{id}/resolve.
type ResolveRequest struct {
	WinningOutcome model.Outcome `json:"winningOutcome"`
	Force          bool          `json:"force"`
}

// --- Sessions ---

// CreateSession handles POST /session.
func (h *Handlers) CreateSession(w http.ResponseWriter, r *http.Request) {
	var req CreateSessionRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := h.ledger.Sessions.Create(r.Context(), req.Owner, req.DepositAmount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, CreateSessionResponse{SessionID: s.ID, ExpiresAt: s.ExpiresAt})
}

// GetSession handles GET /session/{id}.
func (h *Handlers) GetSession(w http.ResponseWriter, r *http.Request) {
	s, err := h.ledger.Sessions.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ListSessions handles GET /session?owner=0x...
func (h *Handlers) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := h.ledger.Sessions.ListByOwner(r.Context(), r.URL.Query().Get("owner"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if sessions == nil {
		sessions = []model.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// GetSessionTrades handles GET /session/{id}/trades.
func (h *Handlers) GetSessionTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.ledger.Sessions.Trades(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// CloseSession handles POST /session/{id}/close.
func (h *Handlers) CloseSession(w http.ResponseWriter, r *http.Request) {
	final, err := h.ledger.Sessions.Close(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"finalBalance": final})
}

// --- Balances ---

// GetBalance handles GET /balance/{sessionId}.
func (h *Handlers) GetBalance(w http.ResponseWriter, r *http.Request) {
	h.respondBalance(w, r, chi.URLParam(r, "sessionId"), nil)
}

// MoveToIdle handles POST /balance/move-to-idle.
func (h *Handlers) MoveToIdle(w http.ResponseWriter, r *http.Request) {
	var req SessionAmountRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.ledger.Balances.MoveToIdle(r.Context(), req.SessionID, req.Amount)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.respondBalance(w, r, req.SessionID, b)
}

// AccrueYield handles POST /balance/accrue-yield.
func (h *Handlers) AccrueYield(w http.ResponseWriter, r *http.Request) {
	var req SessionAmountRequest
	if !decode(w, r, &req) {
		return
	}
	b, err := h.ledger.Balances.AccrueYield(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	h.respondBalance(w, r, req.SessionID, b)
}

// RequestRefund handles POST /balance/refund.
func (h *Handlers) RequestRefund(w http.ResponseWriter, r *http.Request) {
	var req SessionAmountRequest
	if !decode(w, r, &req) {
		return
	}
	amount, err := h.ledger.Balances.RequestRefund(r.Context(), req.SessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]decimal.Decimal{"refundAmount": amount})
}

func (h *Handlers) respondBalance(w http.ResponseWriter, r *http.Request, sessionID string, b *model.Balance) {
	ctx := r.Context()
	if b == nil {
		var err error
		if b, err = h.ledger.Balances.Get(ctx, sessionID); err != nil {
			writeError(w, r, err)
			return
		}
	}
	quote, err := h.ledger.Balances.Refundable(ctx, sessionID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, BalanceResponse{
		SessionID:       sessionID,
		Active:          b.Active,
		Idle:            b.Idle,
		YieldAccrued:    b.YieldAccrued,
		Reserved:        b.Reserved,
		Credited:        b.Credited,
		Total:           b.Total(),
		RefundAvailable: quote.Available,
		RefundAmount:    quote.Amount,
	})
}

// --- Markets ---

// CreateMarket handles POST /market.
func (h *Handlers) CreateMarket(w http.ResponseWriter, r *http.Request) {
	var req CreateMarketRequest
	if !decode(w, r, &req) {
		return
	}
	m, err := h.ledger.Markets.Create(r.Context(), req.Question, req.EndTime, req.Liquidity)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, struct {
		MarketID string `json:"marketId"`
		*ledger.MarketView
	}{m.ID, m})
}

// ListMarkets handles GET /market.
func (h *Handlers) ListMarkets(w http.ResponseWriter, r *http.Request) {
	markets, err := h.ledger.Markets.List(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	if status := r.URL.Query().Get("status"); status != "" {
		filtered := make([]ledger.MarketView, 0, len(markets))
		for _, m := range markets {
			if m.Status == status {
				filtered = append(filtered, m)
			}
		}
		markets = filtered
	}
	writeJSON(w, http.StatusOK, markets)
}

// GetMarket handles GET /market/{id}.
func (h *Handlers) GetMarket(w http.ResponseWriter, r *http.Request) {
	m, err := h.ledger.Markets.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// GetPrice handles GET /market/{id}/price?outcome=YES.
func (h *Handlers) GetPrice(w http.ResponseWriter, r *http.Request) {
	outcome := model.Outcome(r.URL.Query().Get("outcome"))
	if outcome == "" {
		outcome = model.OutcomeYes
	}
	p, err := h.ledger.Markets.Price(r.Context(), chi.URLParam(r, "id"), outcome)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"outcome": outcome, "price": p})
}

// GetTrades handles GET /market/{id}/trades.
func (h *Handlers) GetTrades(w http.ResponseWriter, r *http.Request) {
	trades, err := h.ledger.Markets.Trades(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, trades)
}

// GetSettlement handles GET /market/{id}/settlement.
func (h *Handlers) GetSettlement(w http.ResponseWriter, r *http.Request) {
	s, err := h.ledger.Settlements.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// ResolveMarket handles POST /market/{id}/resolve.
func (h *Handlers) ResolveMarket(w http.ResponseWriter, r *http.Request) {
	var req ResolveRequest
	if !decode(w, r, &req) {
		return
	}
	s, err := h.ledger.Settlements.Resolve(r.Context(), chi.URLParam(r, "id"), req.WinningOutcome, req.Force)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]*model.Settlement{"settlement": s})
}

// --- Trading ---

// Buy handles POST /trade/buy.
func (h *Handlers) Buy(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, model.SideBuy)
}

// Sell handles POST /trade/sell.
func (h *Handlers) Sell(w http.ResponseWriter, r *http.Request) {
	h.trade(w, r, model.SideSell)
}

func (h *Handlers) trade(w http.ResponseWriter, r *http.Request, side string) {
	var req TradeRequest
	if !decode(w, r, &req) {
		return
	}
	exec := h.ledger.Markets.Buy
	if side == model.SideSell {
		exec = h.ledger.Markets.Sell
	}
	res, err := exec(r.Context(), req.SessionID, req.MarketID, req.Outcome, req.Shares)
	if err != nil {
		writeError(w, r, err)
		return
	}

	resp := TradeResponse{
		TradeID:      res.TradeID,
		Side:         res.Side,
		Outcome:      res.Outcome,
		Shares:       res.Shares,
		AveragePrice: res.AveragePrice,
		NewPrice:     res.NewPrice,
		PriceYes:     res.PriceYes,
		PriceNo:      res.PriceNo,
	}
	if side == model.SideSell {
		resp.Proceeds = &res.Cost
	} else {
		resp.Cost = &res.Cost
	}
	writeJSON(w, http.StatusOK, resp)
}

// --- Positions ---

// GetPositions handles GET /positions/{user}.
func (h *Handlers) GetPositions(w http.ResponseWriter, r *http.Request) {
	p, err := h.ledger.Positions.ListByUser(r.Context(), chi.URLParam(r, "user"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// --- helpers ---

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body: " + err.Error(), Code: "invalid_request"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps err onto its status code. Internal errors are logged and
// their detail withheld.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperr.HTTPStatus(err)
	body := errorBody{Error: err.Error(), Code: apperr.Code(err)}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		body.Error = "internal error"
	}
	writeJSON(w, status, body)
}
