// Package model defines the core domain types shared across the ledger engine.
// All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Outcome is one side of a binary market.
type Outcome string

const (
	OutcomeYes Outcome = "YES"
	OutcomeNo  Outcome = "NO"
)

// Valid reports whether o is YES or NO.
func (o Outcome) Valid() bool {
	return o == OutcomeYes || o == OutcomeNo
}

// Session statuses.
const (
	SessionActive  = "active"
	SessionExpired = "expired"
	SessionClosed  = "closed"
)

// Market statuses.
const (
	MarketOpen     = "open"
	MarketResolved = "resolved"
)

// Trade sides.
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// Session is a time-boxed, wallet-scoped trading context.
// DepositAmount is fixed at creation; SpentAmount only grows.
type Session struct {
	ID              string          `json:"id" db:"id"`
	OwnerAddress    string          `json:"owner_address" db:"owner_address"`
	DepositAmount   decimal.Decimal `json:"deposit_amount" db:"deposit_amount"`
	SpentAmount     decimal.Decimal `json:"spent_amount" db:"spent_amount"`
	Status          string          `json:"status" db:"status"` // "active", "expired", "closed"
	RefundRequested bool            `json:"refund_requested" db:"refund_requested"`
	ClearingRef     string          `json:"clearing_ref,omitempty" db:"clearing_ref"`
	CreatedAt       time.Time       `json:"created_at" db:"created_at"`
	ExpiresAt       time.Time       `json:"expires_at" db:"expires_at"`
	ClosedAt        *time.Time      `json:"closed_at,omitempty" db:"closed_at"`
}

// Balance is the tiered split of one session's funds.
//
//	Active + Idle + Reserved == Deposit - Spent + YieldAccrued + Credited
//
// Credited holds realized sell proceeds and settlement payouts.
type Balance struct {
	SessionID     string          `json:"session_id" db:"session_id"`
	Active        decimal.Decimal `json:"active" db:"active"`
	Idle          decimal.Decimal `json:"idle" db:"idle"`
	YieldAccrued  decimal.Decimal `json:"yield_accrued" db:"yield_accrued"`
	Reserved      decimal.Decimal `json:"reserved" db:"reserved"`
	Credited      decimal.Decimal `json:"credited" db:"credited"`
	LastAccrualAt time.Time       `json:"last_accrual_at" db:"last_accrual_at"`
}

// Total returns Active + Idle + Reserved.
func (b Balance) Total() decimal.Decimal {
	return b.Active.Add(b.Idle).Add(b.Reserved)
}

// Market is a binary prediction market priced by an LMSR pool pair.
type Market struct {
	ID             string          `json:"id" db:"id"`
	Question       string          `json:"question" db:"question"`
	EndTime        time.Time       `json:"end_time" db:"end_time"`
	Status         string          `json:"status" db:"status"` // "open", "resolved"
	WinningOutcome Outcome         `json:"winning_outcome,omitempty" db:"winning_outcome"`
	YesPool        decimal.Decimal `json:"yes_pool" db:"yes_pool"`
	NoPool         decimal.Decimal `json:"no_pool" db:"no_pool"`
	Liquidity      decimal.Decimal `json:"liquidity" db:"liquidity"` // LMSR b
	TotalVolume    decimal.Decimal `json:"total_volume" db:"total_volume"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	ResolvedAt     *time.Time      `json:"resolved_at,omitempty" db:"resolved_at"`
}

// Position is a user's holding of one outcome in one market.
// Zero-share positions are kept for audit.
type Position struct {
	UserAddress   string          `json:"user_address" db:"user_address"`
	MarketID      string          `json:"market_id" db:"market_id"`
	Outcome       Outcome         `json:"outcome" db:"outcome"`
	Shares        decimal.Decimal `json:"shares" db:"shares"`
	AveragePrice  decimal.Decimal `json:"average_price" db:"average_price"`
	TotalCost     decimal.Decimal `json:"total_cost" db:"total_cost"`
	LastSessionID string          `json:"last_session_id" db:"last_session_id"`
	UpdatedAt     time.Time       `json:"updated_at" db:"updated_at"`
}

// Trade is an immutable record of a trade execution.
// Once created, these are never modified or deleted.
type Trade struct {
	ID          string          `json:"id" db:"id"`
	SessionID   string          `json:"session_id" db:"session_id"`
	UserAddress string          `json:"user_address" db:"user_address"`
	MarketID    string          `json:"market_id" db:"market_id"`
	Outcome     Outcome         `json:"outcome" db:"outcome"`
	Side        string          `json:"side" db:"side"`     // "buy" or "sell"
	Shares      decimal.Decimal `json:"shares" db:"shares"` // always positive
	Price       decimal.Decimal `json:"price" db:"price"`   // average fill price
	Cost        decimal.Decimal `json:"cost" db:"cost"`     // paid on buy, received on sell
	Timestamp   time.Time       `json:"timestamp" db:"timestamp"`
}

// Payout is one winner's share of a settled market.
type Payout struct {
	UserAddress string          `json:"user_address"`
	SessionID   string          `json:"session_id,omitempty"`
	Shares      decimal.Decimal `json:"shares"`
	Amount      decimal.Decimal `json:"amount"`
	Credited    bool            `json:"credited"` // false when no open session could receive it
}

// Settlement is written once per market when it resolves.
type Settlement struct {
	MarketID       string          `json:"market_id" db:"market_id"`
	WinningOutcome Outcome         `json:"winning_outcome" db:"winning_outcome"`
	TotalPool      decimal.Decimal `json:"total_pool" db:"total_pool"`
	WinningShares  decimal.Decimal `json:"winning_shares" db:"winning_shares"`
	Payouts        []Payout        `json:"payouts" db:"payouts"`
	DistributedAt  time.Time       `json:"distributed_at" db:"distributed_at"`
}

// PositionView is a position marked to market.
type PositionView struct {
	Position
	CurrentPrice  decimal.Decimal `json:"current_price"`
	CurrentValue  decimal.Decimal `json:"current_value"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"` // currentValue - totalCost
	MarketStatus  string          `json:"market_status"`
}

// Portfolio aggregates all positions for a user with P&L.
type Portfolio struct {
	UserAddress string          `json:"user_address"`
	Positions   []PositionView  `json:"positions"`
	TotalValue  decimal.Decimal `json:"total_value"`
	TotalCost   decimal.Decimal `json:"total_cost"`
	TotalPnL    decimal.Decimal `json:"total_pnl"`
}
