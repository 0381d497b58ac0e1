package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vaultos/ledger-engine/internal/apperr"
	"github.com/vaultos/ledger-engine/internal/lmsr"
	"github.com/vaultos/ledger-engine/internal/metrics"
	"github.com/vaultos/ledger-engine/internal/model"
	"github.com/vaultos/ledger-engine/internal/store"
)

// nanosPerYear is a 365-day year.
var nanosPerYear = decimal.NewFromInt(int64(365 * 24 * time.Hour))

// Balances manages the tiered split of each session's funds.
type Balances struct {
	*core
}

// Get returns the balance snapshot of a session.
func (b *Balances) Get(ctx context.Context, sessionID string) (*model.Balance, error) {
	if _, err := b.store.GetSession(ctx, sessionID); err != nil {
		return nil, notFound(err, apperr.ErrSessionNotFound)
	}
	bal, err := b.store.GetBalance(ctx, sessionID)
	if err != nil {
		return nil, notFound(err, apperr.ErrSessionNotFound)
	}
	return bal, nil
}

// MoveToIdle shifts amount from the active tier to the yield-bearing idle
// tier. Yield owed on the existing idle balance is accrued first.
func (b *Balances) MoveToIdle(ctx context.Context, sessionID string, amount decimal.Decimal) (*model.Balance, error) {
	if !amount.IsPositive() {
		return nil, apperr.ErrInvalidAmount
	}
	release := b.locks.Session(sessionID)
	defer release()

	var out *model.Balance
	var yield decimal.Decimal
	err := b.store.WithTx(ctx, func(tx store.Store) error {
		sess, bal, err := b.loadTradeable(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if amount.GreaterThan(bal.Active) {
			return apperr.ErrInsufficientActiveBalance
		}
		yield = b.accrue(sess, bal, b.now())
		bal.Active = bal.Active.Sub(amount)
		bal.Idle = bal.Idle.Add(amount)
		if err := tx.UpdateBalance(ctx, bal); err != nil {
			return err
		}
		out = bal
		return nil
	})
	if err != nil {
		return nil, err
	}
	b.observeYield(sessionID, yield)
	slog.Info("moved to idle", "session", sessionID, "amount", amount.String(), "idle", out.Idle.String())
	return out, nil
}

// AccrueYield credits idle × APR × elapsed / year to the idle tier.
// Elapsed time stops at the session's expiry, and calling it again with no
// time elapsed changes nothing.
func (b *Balances) AccrueYield(ctx context.Context, sessionID string) (*model.Balance, error) {
	release := b.locks.Session(sessionID)
	defer release()

	var out *model.Balance
	var yield decimal.Decimal
	err := b.store.WithTx(ctx, func(tx store.Store) error {
		sess, err := tx.GetSession(ctx, sessionID)
		if err != nil {
			return notFound(err, apperr.ErrSessionNotFound)
		}
		if sess.Status == model.SessionClosed {
			return apperr.ErrSessionAlreadyClosed
		}
		bal, err := tx.GetBalance(ctx, sessionID)
		if err != nil {
			return fmt.Errorf("load balance: %w", err)
		}
		out = bal
		before := bal.LastAccrualAt
		yield = b.accrue(sess, bal, b.now())
		if bal.LastAccrualAt.Equal(before) {
			return nil
		}
		return tx.UpdateBalance(ctx, bal)
	})
	if err != nil {
		return nil, err
	}
	b.observeYield(sessionID, yield)
	return out, nil
}

// RefundQuote is what RequestRefund would grant right now.
type RefundQuote struct {
	Available bool            `json:"available"`
	Amount    decimal.Decimal `json:"amount"`
	Reason    string          `json:"reason,omitempty"`
}

// Refundable quotes an early refund without granting it.
func (b *Balances) Refundable(ctx context.Context, sessionID string) (*RefundQuote, error) {
	sess, err := b.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, notFound(err, apperr.ErrSessionNotFound)
	}
	bal, err := b.store.GetBalance(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("load balance: %w", err)
	}
	switch {
	case sess.Status == model.SessionClosed:
		return &RefundQuote{Amount: decimal.Zero, Reason: apperr.ErrSessionAlreadyClosed.Code}, nil
	case b.expired(sess, b.now()):
		return &RefundQuote{Amount: decimal.Zero, Reason: apperr.ErrSessionExpired.Code}, nil
	}
	amount, err := b.refundAmount(ctx, b.store, sess, bal, nil)
	if err != nil {
		if apperr.KindOf(err) == apperr.KindInternal {
			return nil, err
		}
		return &RefundQuote{Amount: decimal.Zero, Reason: apperr.Code(err)}, nil
	}
	return &RefundQuote{Available: true, Amount: amount}, nil
}

// RequestRefund moves a one-time refund of RefundFraction × the current
// value of the owner's open positions into the reserved tier. The amount
// is taken from active first, then idle, and is capped at their sum.
func (b *Balances) RequestRefund(ctx context.Context, sessionID string) (decimal.Decimal, error) {
	sess, err := b.store.GetSession(ctx, sessionID)
	if err != nil {
		return decimal.Zero, notFound(err, apperr.ErrSessionNotFound)
	}
	positions, err := b.store.ListPositionsByUser(ctx, sess.OwnerAddress)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list positions: %w", err)
	}
	locked := heldMarkets(positions)

	release := b.locks.Acquire([]string{sessionID}, keys(locked))
	defer release()

	var refund decimal.Decimal
	var yield decimal.Decimal
	err = b.store.WithTx(ctx, func(tx store.Store) error {
		sess, bal, err := b.loadTradeable(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		if sess.RefundRequested {
			return apperr.ErrRefundAlreadyRequested
		}
		yield = b.accrue(sess, bal, b.now())

		refund, err = b.refundAmount(ctx, tx, sess, bal, locked)
		if err != nil {
			return err
		}

		fromActive := decimal.Min(refund, bal.Active)
		bal.Active = bal.Active.Sub(fromActive)
		bal.Idle = bal.Idle.Sub(refund.Sub(fromActive))
		bal.Reserved = bal.Reserved.Add(refund)
		sess.RefundRequested = true

		if err := tx.UpdateBalance(ctx, bal); err != nil {
			return err
		}
		return tx.UpdateSession(ctx, sess)
	})
	if err != nil {
		return decimal.Zero, err
	}

	b.observeYield(sessionID, yield)
	metrics.RefundsTotal.Inc()
	slog.Info("refund reserved", "session", sessionID, "amount", refund.String())
	return refund, nil
}

// refundAmount values the owner's positions in open markets and applies
// the refund fraction and the active+idle cap. Positions in resolved
// markets are skipped; if nothing else carries value the refund fails with
// ErrMarketResolved. When only is non-nil, positions in other markets are
// ignored.
func (c *core) refundAmount(ctx context.Context, tx store.Store, sess *model.Session, bal *model.Balance, only map[string]bool) (decimal.Decimal, error) {
	if sess.RefundRequested {
		return decimal.Zero, apperr.ErrRefundAlreadyRequested
	}
	positions, err := tx.ListPositionsByUser(ctx, sess.OwnerAddress)
	if err != nil {
		return decimal.Zero, fmt.Errorf("list positions: %w", err)
	}

	markets := make(map[string]*model.Market)
	value := decimal.Zero
	resolved := false
	for i := range positions {
		p := &positions[i]
		if !p.Shares.IsPositive() || (only != nil && !only[p.MarketID]) {
			continue
		}
		m, ok := markets[p.MarketID]
		if !ok {
			m, err = tx.GetMarket(ctx, p.MarketID)
			if err != nil {
				return decimal.Zero, fmt.Errorf("load market %s: %w", p.MarketID, err)
			}
			markets[p.MarketID] = m
		}
		if m.Status == model.MarketResolved {
			resolved = true
			continue
		}
		v, err := positionValue(m, p)
		if err != nil {
			return decimal.Zero, err
		}
		value = value.Add(v)
	}
	if !value.IsPositive() {
		if resolved {
			return decimal.Zero, apperr.ErrMarketResolved
		}
		return decimal.Zero, apperr.ErrNoOpenPositions
	}

	refund := value.Mul(c.cfg.RefundFraction).RoundDown(lmsr.PriceScale)
	refund = decimal.Min(refund, bal.Active.Add(bal.Idle))
	if !refund.IsPositive() {
		return decimal.Zero, apperr.ErrInsufficientBalance
	}
	return refund, nil
}

// accrue applies yield on the idle tier up to min(now, expiresAt) and
// advances the accrual clock. It never moves the clock backwards.
func (c *core) accrue(sess *model.Session, bal *model.Balance, now time.Time) decimal.Decimal {
	end := now
	if end.After(sess.ExpiresAt) {
		end = sess.ExpiresAt
	}
	elapsed := end.Sub(bal.LastAccrualAt)
	if elapsed <= 0 {
		return decimal.Zero
	}
	bal.LastAccrualAt = end

	yield := bal.Idle.
		Mul(c.cfg.APR).
		Mul(decimal.NewFromInt(int64(elapsed))).
		Div(nanosPerYear).
		RoundDown(lmsr.PriceScale)
	if !yield.IsPositive() {
		return decimal.Zero
	}
	bal.Idle = bal.Idle.Add(yield)
	bal.YieldAccrued = bal.YieldAccrued.Add(yield)
	return yield
}

func (c *core) observeYield(sessionID string, yield decimal.Decimal) {
	if !yield.IsPositive() {
		return
	}
	metrics.YieldAccrued.Add(yield.InexactFloat64())
	slog.Debug("yield accrued", "session", sessionID, "amount", yield.String())
}

// heldMarkets returns the markets in which positions hold shares.
func heldMarkets(positions []model.Position) map[string]bool {
	out := make(map[string]bool)
	for _, p := range positions {
		if p.Shares.IsPositive() {
			out[p.MarketID] = true
		}
	}
	return out
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}
