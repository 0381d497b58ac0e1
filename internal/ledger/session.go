package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vaultos/ledger-engine/internal/apperr"
	"github.com/vaultos/ledger-engine/internal/metrics"
	"github.com/vaultos/ledger-engine/internal/model"
	"github.com/vaultos/ledger-engine/internal/store"
)

// Sessions owns session lifecycle: open, spend, expire, close.
type Sessions struct {
	*core
}

// NormalizeAddress validates a hex wallet address and returns its EIP-55
// checksummed form.
func NormalizeAddress(addr string) (string, error) {
	if !common.IsHexAddress(addr) {
		return "", apperr.ErrInvalidAddress
	}
	return common.HexToAddress(addr).Hex(), nil
}

// Create opens a session funded with deposit. When a clearing network is
// configured the session is registered there first; a timeout leaves no
// trace locally.
func (s *Sessions) Create(ctx context.Context, owner string, deposit decimal.Decimal) (*model.Session, error) {
	addr, err := NormalizeAddress(owner)
	if err != nil {
		return nil, err
	}
	if !deposit.IsPositive() || deposit.LessThan(s.cfg.MinDeposit) {
		return nil, apperr.ErrInvalidDeposit
	}

	now := s.now()
	sess := &model.Session{
		ID:            uuid.New().String(),
		OwnerAddress:  addr,
		DepositAmount: deposit,
		SpentAmount:   decimal.Zero,
		Status:        model.SessionActive,
		CreatedAt:     now,
		ExpiresAt:     now.Add(s.cfg.SessionTTL),
	}

	if s.clearing != nil {
		cctx, cancel := s.withTimeout(ctx)
		ref, err := s.clearing.OpenSession(cctx, sess)
		cancel()
		if err != nil {
			return nil, external("open session", err)
		}
		sess.ClearingRef = ref
	}

	bal := &model.Balance{
		SessionID:     sess.ID,
		Active:        deposit,
		Idle:          decimal.Zero,
		YieldAccrued:  decimal.Zero,
		Reserved:      decimal.Zero,
		Credited:      decimal.Zero,
		LastAccrualAt: now,
	}
	if err := s.store.CreateSession(ctx, sess, bal); err != nil {
		return nil, fmt.Errorf("create session: %w", err)
	}

	metrics.SessionsTotal.WithLabelValues("opened").Inc()
	slog.Info("session created",
		"id", sess.ID,
		"owner", sess.OwnerAddress,
		"deposit", deposit.String(),
		"expires_at", sess.ExpiresAt,
	)
	return sess, nil
}

// Get returns a session with its lazily evaluated status.
func (s *Sessions) Get(ctx context.Context, id string) (*model.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return nil, notFound(err, apperr.ErrSessionNotFound)
	}
	s.present(sess)
	return sess, nil
}

// ListByOwner returns every session opened by owner, newest first.
func (s *Sessions) ListByOwner(ctx context.Context, owner string) ([]model.Session, error) {
	addr, err := NormalizeAddress(owner)
	if err != nil {
		return nil, err
	}
	sessions, err := s.store.ListSessionsByOwner(ctx, addr)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		s.present(&sessions[i])
	}
	return sessions, nil
}

// Trades returns the trades placed through a session, oldest first.
func (s *Sessions) Trades(ctx context.Context, id string) ([]model.Trade, error) {
	if _, err := s.store.GetSession(ctx, id); err != nil {
		return nil, notFound(err, apperr.ErrSessionNotFound)
	}
	trades, err := s.store.ListTradesBySession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return trades, nil
}

// IsExpired reports whether the session's TTL has elapsed.
func (s *Sessions) IsExpired(ctx context.Context, id string) (bool, error) {
	sess, err := s.store.GetSession(ctx, id)
	if err != nil {
		return false, notFound(err, apperr.ErrSessionNotFound)
	}
	return s.expired(sess, s.now()), nil
}

// RecordSpend debits amount from the active tier and adds it to the
// session's spent total.
func (s *Sessions) RecordSpend(ctx context.Context, id string, amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return apperr.ErrInvalidAmount
	}
	release := s.locks.Session(id)
	defer release()

	return s.store.WithTx(ctx, func(tx store.Store) error {
		sess, bal, err := s.loadTradeable(ctx, tx, id)
		if err != nil {
			return err
		}
		return s.spend(ctx, tx, sess, bal, amount)
	})
}

// Close accrues final yield, marks the session closed and returns the
// withdrawable balance (active + idle + reserved). Expired sessions may be
// closed; closing twice is an error.
func (s *Sessions) Close(ctx context.Context, id string) (decimal.Decimal, error) {
	release := s.locks.Session(id)
	defer release()

	var (
		sess  *model.Session
		bal   *model.Balance
		yield decimal.Decimal
		final decimal.Decimal
	)
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		if sess, err = tx.GetSession(ctx, id); err != nil {
			return notFound(err, apperr.ErrSessionNotFound)
		}
		if sess.Status == model.SessionClosed {
			return apperr.ErrSessionAlreadyClosed
		}
		if bal, err = tx.GetBalance(ctx, id); err != nil {
			return fmt.Errorf("load balance: %w", err)
		}

		now := s.now()
		yield = s.accrue(sess, bal, now)
		final = bal.Total()

		// The clearing network sees the balance being committed; a failure
		// rolls the close back.
		if s.clearing != nil {
			cctx, cancel := s.withTimeout(ctx)
			err := s.clearing.CloseSession(cctx, sess, final)
			cancel()
			if err != nil {
				return external("close session", err)
			}
		}

		closedAt := now
		sess.Status = model.SessionClosed
		sess.ClosedAt = &closedAt
		if err := tx.UpdateBalance(ctx, bal); err != nil {
			return fmt.Errorf("close session: %w", err)
		}
		if err := tx.UpdateSession(ctx, sess); err != nil {
			return fmt.Errorf("close session: %w", err)
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}

	if yield.IsPositive() {
		metrics.YieldAccrued.Add(yield.InexactFloat64())
	}
	metrics.SessionsTotal.WithLabelValues("closed").Inc()
	slog.Info("session closed",
		"id", id,
		"final_balance", final.String(),
		"spent", sess.SpentAmount.String(),
		"yield", bal.YieldAccrued.String(),
	)
	return final, nil
}

func (c *core) expired(sess *model.Session, now time.Time) bool {
	return sess.Status == model.SessionExpired || !now.Before(sess.ExpiresAt)
}

// present reports an active session past its TTL as expired. The stored
// row is not rewritten.
func (c *core) present(sess *model.Session) {
	if sess.Status == model.SessionActive && c.expired(sess, c.now()) {
		sess.Status = model.SessionExpired
	}
}

// loadTradeable loads a session and its balance and rejects closed or
// expired sessions. The caller holds the session lock.
func (c *core) loadTradeable(ctx context.Context, tx store.Store, id string) (*model.Session, *model.Balance, error) {
	sess, err := tx.GetSession(ctx, id)
	if err != nil {
		return nil, nil, notFound(err, apperr.ErrSessionNotFound)
	}
	if sess.Status == model.SessionClosed {
		return nil, nil, apperr.ErrSessionAlreadyClosed
	}
	if c.expired(sess, c.now()) {
		return nil, nil, apperr.ErrSessionExpired
	}
	bal, err := tx.GetBalance(ctx, id)
	if err != nil {
		return nil, nil, fmt.Errorf("load balance: %w", err)
	}
	return sess, bal, nil
}

// spend moves amount out of the active tier into spentAmount.
func (c *core) spend(ctx context.Context, tx store.Store, sess *model.Session, bal *model.Balance, amount decimal.Decimal) error {
	if amount.GreaterThan(bal.Active) {
		return apperr.ErrInsufficientBalance
	}
	sess.SpentAmount = sess.SpentAmount.Add(amount)
	bal.Active = bal.Active.Sub(amount)
	if err := tx.UpdateSession(ctx, sess); err != nil {
		return err
	}
	return tx.UpdateBalance(ctx, bal)
}
