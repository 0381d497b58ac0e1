// Package ledger implements the session trading ledger: sessions and their
// tiered balances, LMSR-priced binary markets, per-user positions and
// one-time market settlement.
//
// The five components share one store, one lock manager and one clock, so
// an operation that spans entities (a trade touches a session, a market and
// a position) runs as a single transaction under a fixed lock order.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vaultos/ledger-engine/internal/apperr"
	"github.com/vaultos/ledger-engine/internal/model"
	"github.com/vaultos/ledger-engine/internal/risk"
	"github.com/vaultos/ledger-engine/internal/store"
)

// Clock returns the current time. time.Now carries a monotonic reading,
// which keeps accrual from going backwards when the wall clock is stepped.
type Clock func() time.Time

// Clearing is the external off-chain network a session is opened and
// closed against. Implementations must honour ctx deadlines.
type Clearing interface {
	OpenSession(ctx context.Context, s *model.Session) (ref string, err error)
	CloseSession(ctx context.Context, s *model.Session, finalBalance decimal.Decimal) error
}

// Recorder durably publishes a settlement after it has been committed.
type Recorder interface {
	Record(ctx context.Context, s *model.Settlement) error
}

// Notifier receives domain events for realtime fan-out. Notify must not block.
type Notifier interface {
	Notify(ev Event)
}

// Event types published to the Notifier.
const (
	EventMarketCreated  = "market_created"
	EventTradeExecuted  = "trade_executed"
	EventMarketResolved = "market_resolved"
)

// Event is a realtime market update.
type Event struct {
	Type     string          `json:"type"`
	MarketID string          `json:"market_id"`
	PriceYes decimal.Decimal `json:"price_yes"`
	PriceNo  decimal.Decimal `json:"price_no"`
	Outcome  model.Outcome   `json:"outcome,omitempty"`
	Side     string          `json:"side,omitempty"`
	Shares   decimal.Decimal `json:"shares,omitempty"`
}

// Config holds the ledger's business parameters.
type Config struct {
	MinDeposit       decimal.Decimal
	SessionTTL       time.Duration
	APR              decimal.Decimal
	RefundFraction   decimal.Decimal
	DefaultLiquidity decimal.Decimal
	// ClearingTimeout bounds each call to the clearing network when the
	// caller's context has no earlier deadline.
	ClearingTimeout time.Duration
}

// DefaultConfig returns production defaults: 1h sessions, 5% APR on idle
// funds, 25% early refund.
func DefaultConfig() Config {
	return Config{
		MinDeposit:       decimal.NewFromInt(1),
		SessionTTL:       time.Hour,
		APR:              decimal.NewFromFloat(0.05),
		RefundFraction:   decimal.NewFromFloat(0.25),
		DefaultLiquidity: decimal.NewFromInt(100),
		ClearingTimeout:  5 * time.Second,
	}
}

// Option customises a Ledger.
type Option func(*core)

// WithClock replaces time.Now.
func WithClock(c Clock) Option {
	return func(k *core) { k.now = c }
}

// WithLimiter enables position limits on buys.
func WithLimiter(l *risk.PositionLimiter) Option {
	return func(k *core) { k.limiter = l }
}

// WithClearing routes session open/close through an external network.
func WithClearing(c Clearing) Option {
	return func(k *core) { k.clearing = c }
}

// WithRecorder publishes settlements after commit.
func WithRecorder(r Recorder) Option {
	return func(k *core) { k.recorder = r }
}

// WithNotifier publishes realtime market events.
func WithNotifier(n Notifier) Option {
	return func(k *core) { k.notifier = n }
}

// core is the state shared by every component.
type core struct {
	store    store.Store
	cfg      Config
	now      Clock
	locks    *Locks
	limiter  *risk.PositionLimiter
	clearing Clearing
	recorder Recorder
	notifier Notifier
}

// Ledger bundles the five components over one store.
type Ledger struct {
	Sessions    *Sessions
	Balances    *Balances
	Markets     *Markets
	Positions   *Positions
	Settlements *Settlements
}

// New wires a Ledger over st.
func New(st store.Store, cfg Config, opts ...Option) *Ledger {
	c := &core{
		store: st,
		cfg:   cfg,
		now:   time.Now,
		locks: NewLocks(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return &Ledger{
		Sessions:    &Sessions{c},
		Balances:    &Balances{c},
		Markets:     &Markets{c},
		Positions:   &Positions{c},
		Settlements: &Settlements{c},
	}
}

func (c *core) notify(ev Event) {
	if c.notifier != nil {
		c.notifier.Notify(ev)
	}
}

// notFound maps store.ErrNotFound onto a domain error.
func notFound(err error, domainErr error) error {
	if errors.Is(err, store.ErrNotFound) {
		return domainErr
	}
	return err
}

// external maps a collaborator failure onto ErrExternalTimeout when the
// deadline was hit, and wraps everything else.
func external(op string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w: %w", op, apperr.ErrExternalTimeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func (c *core) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.cfg.ClearingTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, c.cfg.ClearingTimeout)
}
