package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vaultos/ledger-engine/internal/apperr"
	"github.com/vaultos/ledger-engine/internal/lmsr"
	"github.com/vaultos/ledger-engine/internal/metrics"
	"github.com/vaultos/ledger-engine/internal/model"
	"github.com/vaultos/ledger-engine/internal/store"
)

// maxSettleAttempts bounds retries when the winning holders' target
// sessions change between snapshot and lock.
const maxSettleAttempts = 3

var errHoldersChanged = errors.New("settlement holders changed")

// recordTimeout bounds the hand-off of a settlement to the Recorder.
const recordTimeout = 10 * time.Second

// Settlements resolves markets and distributes their pools exactly once.
type Settlements struct {
	*core
}

// Get returns the settlement record of a resolved market.
func (st *Settlements) Get(ctx context.Context, marketID string) (*model.Settlement, error) {
	s, err := st.store.GetSettlement(ctx, marketID)
	if err != nil {
		return nil, notFound(err, apperr.ErrSettlementNotFound)
	}
	return s, nil
}

// Resolve fixes the winning outcome and pays every winning holder
// shares × totalPool / winningShares, where totalPool = yesPool + noPool.
// The market must be past its end time unless force is set. A market
// resolves at most once; later calls fail with ErrAlreadyResolved and
// change nothing.
func (st *Settlements) Resolve(ctx context.Context, marketID string, outcome model.Outcome, force bool) (*model.Settlement, error) {
	if !outcome.Valid() {
		return nil, apperr.ErrInvalidOutcome
	}

	for attempt := 0; attempt < maxSettleAttempts; attempt++ {
		settlement, err := st.resolveOnce(ctx, marketID, outcome, force)
		if errors.Is(err, errHoldersChanged) {
			slog.Warn("settlement holders changed, retrying", "market", marketID, "attempt", attempt+1)
			continue
		}
		if err != nil {
			return nil, err
		}
		st.afterResolve(settlement)
		return settlement, nil
	}
	return nil, apperr.ErrConcurrentUpdate
}

func (st *Settlements) resolveOnce(ctx context.Context, marketID string, outcome model.Outcome, force bool) (*model.Settlement, error) {
	// Snapshot the payout targets without locks, then lock those sessions
	// before the market and verify nothing moved.
	m, err := st.store.GetMarket(ctx, marketID)
	if err != nil {
		return nil, notFound(err, apperr.ErrMarketNotFound)
	}
	if err := st.checkResolvable(m, force); err != nil {
		return nil, err
	}
	snapshot, err := st.payoutTargets(ctx, st.store, marketID, outcome)
	if err != nil {
		return nil, err
	}

	release := st.locks.Acquire(snapshot.sessionIDs(), []string{marketID})
	defer release()

	var settlement *model.Settlement
	err = st.store.WithTx(ctx, func(tx store.Store) error {
		m, err := tx.GetMarket(ctx, marketID)
		if err != nil {
			return notFound(err, apperr.ErrMarketNotFound)
		}
		if err := st.checkResolvable(m, force); err != nil {
			return err
		}
		targets, err := st.payoutTargets(ctx, tx, marketID, outcome)
		if err != nil {
			return err
		}
		if !targets.equal(snapshot) {
			return errHoldersChanged
		}

		now := st.now()
		totalPool := m.YesPool.Add(m.NoPool)
		winningShares := decimal.Zero
		for _, h := range targets {
			winningShares = winningShares.Add(h.shares)
		}

		payouts := make([]model.Payout, 0, len(targets))
		for _, h := range targets {
			amount := h.shares.Mul(totalPool).Div(winningShares).RoundDown(lmsr.PriceScale)
			p := model.Payout{
				UserAddress: h.user,
				SessionID:   h.sessionID,
				Shares:      h.shares,
				Amount:      amount,
			}
			if h.sessionID != "" && amount.IsPositive() {
				bal, err := tx.GetBalance(ctx, h.sessionID)
				if err != nil {
					return fmt.Errorf("load balance %s: %w", h.sessionID, err)
				}
				bal.Active = bal.Active.Add(amount)
				bal.Credited = bal.Credited.Add(amount)
				if err := tx.UpdateBalance(ctx, bal); err != nil {
					return err
				}
				p.Credited = true
			}
			payouts = append(payouts, p)
		}

		resolvedAt := now
		m.Status = model.MarketResolved
		m.WinningOutcome = outcome
		m.ResolvedAt = &resolvedAt
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}

		settlement = &model.Settlement{
			MarketID:       marketID,
			WinningOutcome: outcome,
			TotalPool:      totalPool,
			WinningShares:  winningShares,
			Payouts:        payouts,
			DistributedAt:  now,
		}
		if err := tx.InsertSettlement(ctx, settlement); err != nil {
			if errors.Is(err, store.ErrConflict) {
				return apperr.ErrAlreadyResolved
			}
			return fmt.Errorf("record settlement: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return settlement, nil
}

func (c *core) checkResolvable(m *model.Market, force bool) error {
	if m.Status == model.MarketResolved {
		return apperr.ErrAlreadyResolved
	}
	if !force && c.now().Before(m.EndTime) {
		return apperr.ErrMarketStillOpen
	}
	return nil
}

// holder is one winning position and the session its payout goes to.
type holder struct {
	user      string
	shares    decimal.Decimal
	sessionID string // empty when no open session can receive the payout
}

type holders []holder

func (hs holders) sessionIDs() []string {
	ids := make([]string, 0, len(hs))
	for _, h := range hs {
		if h.sessionID != "" {
			ids = append(ids, h.sessionID)
		}
	}
	return ids
}

func (hs holders) equal(other holders) bool {
	if len(hs) != len(other) {
		return false
	}
	for i := range hs {
		if !strings.EqualFold(hs[i].user, other[i].user) ||
			!hs[i].shares.Equal(other[i].shares) ||
			hs[i].sessionID != other[i].sessionID {
			return false
		}
	}
	return true
}

// payoutTargets lists winning positions with shares and picks the session
// each payout is credited to: the position's last trading session if it is
// not closed, otherwise the owner's newest session that is not closed.
func (c *core) payoutTargets(ctx context.Context, tx store.Store, marketID string, outcome model.Outcome) (holders, error) {
	positions, err := tx.ListPositionsByMarket(ctx, marketID)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	var out holders
	for _, p := range positions {
		if p.Outcome != outcome || !p.Shares.IsPositive() {
			continue
		}
		target, err := c.payoutSession(ctx, tx, p)
		if err != nil {
			return nil, err
		}
		out = append(out, holder{user: p.UserAddress, shares: p.Shares, sessionID: target})
	}
	return out, nil
}

func (c *core) payoutSession(ctx context.Context, tx store.Store, p model.Position) (string, error) {
	if p.LastSessionID != "" {
		sess, err := tx.GetSession(ctx, p.LastSessionID)
		if err == nil && sess.Status != model.SessionClosed {
			return sess.ID, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return "", fmt.Errorf("load session %s: %w", p.LastSessionID, err)
		}
	}
	sessions, err := tx.ListSessionsByOwner(ctx, p.UserAddress)
	if err != nil {
		return "", fmt.Errorf("list sessions: %w", err)
	}
	for _, s := range sessions {
		if s.Status != model.SessionClosed {
			return s.ID, nil
		}
	}
	return "", nil
}

// afterResolve runs once the settlement has committed. The recorder is
// called in the background so trading never waits on it.
func (st *Settlements) afterResolve(s *model.Settlement) {
	credited := 0
	for _, p := range s.Payouts {
		metrics.PayoutsTotal.WithLabelValues(strconv.FormatBool(p.Credited)).Inc()
		if p.Credited {
			credited++
		}
	}
	metrics.SettlementsTotal.WithLabelValues(string(s.WinningOutcome)).Inc()
	metrics.ActiveMarkets.Dec()

	slog.Info("market resolved",
		"market", s.MarketID,
		"winning_outcome", s.WinningOutcome,
		"total_pool", s.TotalPool.String(),
		"winning_shares", s.WinningShares.String(),
		"payouts", len(s.Payouts),
		"credited", credited,
	)
	if unclaimed := len(s.Payouts) - credited; unclaimed > 0 {
		slog.Warn("settlement has unclaimed payouts", "market", s.MarketID, "count", unclaimed)
	}

	st.notify(Event{
		Type:     EventMarketResolved,
		MarketID: s.MarketID,
		PriceYes: outcomeValue(s.WinningOutcome == model.OutcomeYes),
		PriceNo:  outcomeValue(s.WinningOutcome == model.OutcomeNo),
		Outcome:  s.WinningOutcome,
	})

	if st.recorder == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
		defer cancel()
		if err := st.recorder.Record(ctx, s); err != nil {
			slog.Error("settlement record failed", "market", s.MarketID, "err", err)
		}
	}()
}

func outcomeValue(won bool) decimal.Decimal {
	if won {
		return decimal.NewFromInt(1)
	}
	return decimal.Zero
}
