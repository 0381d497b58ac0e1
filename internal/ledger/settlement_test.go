package ledger_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultos/ledger-engine/internal/apperr"
	"github.com/vaultos/ledger-engine/internal/ledger"
	"github.com/vaultos/ledger-engine/internal/model"
)

type chanRecorder chan *model.Settlement

func (r chanRecorder) Record(ctx context.Context, s *model.Settlement) error {
	select {
	case r <- s:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestResolve_WinnerTakesPool(t *testing.T) {
	notifier := &recordingNotifier{}
	f := newFixture(t, nil, ledger.WithNotifier(notifier))
	ctx := context.Background()
	a := f.session(t, alice, 100)
	b := f.session(t, bob, 100)
	m := f.market(t, 10)

	_, err := f.Markets.Buy(ctx, a.ID, m.ID, model.OutcomeYes, d(5))
	require.NoError(t, err)
	bobBuy, err := f.Markets.Buy(ctx, b.ID, m.ID, model.OutcomeNo, d(5))
	require.NoError(t, err)

	s, err := f.Settlements.Resolve(ctx, m.ID, model.OutcomeNo, true)
	require.NoError(t, err)
	assert.Equal(t, model.OutcomeNo, s.WinningOutcome)
	assert.True(t, s.TotalPool.Equal(d(20)), "total pool = %s", s.TotalPool)
	assert.True(t, s.WinningShares.Equal(d(5)))
	require.Len(t, s.Payouts, 1)
	assert.Equal(t, b.ID, s.Payouts[0].SessionID)
	assert.True(t, s.Payouts[0].Amount.Equal(d(20)))
	assert.True(t, s.Payouts[0].Credited)

	bb := f.balance(t, b.ID)
	assert.True(t, bb.Active.Equal(d(100).Sub(bobBuy.Cost).Add(d(20))), "bob active = %s", bb.Active)
	assert.True(t, bb.Credited.Equal(d(20)))
	f.requireConserved(t, a.ID)
	f.requireConserved(t, b.ID)

	got, err := f.Markets.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.Equal(t, model.MarketResolved, got.Status)
	assert.Equal(t, model.OutcomeNo, got.WinningOutcome)
	require.NotNil(t, got.ResolvedAt)

	stored, err := f.Settlements.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, stored.TotalPool.Equal(s.TotalPool))

	aliceValue, err := f.Positions.CurrentValue(ctx, alice, m.ID, model.OutcomeYes)
	require.NoError(t, err)
	assert.True(t, aliceValue.IsZero())

	assert.Contains(t, notifier.types(), ledger.EventMarketResolved)
}

func TestResolve_OnlyOnce(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s := f.session(t, alice, 100)
	m := f.market(t, 100)
	_, err := f.Markets.Buy(ctx, s.ID, m.ID, model.OutcomeYes, d(10))
	require.NoError(t, err)

	_, err = f.Settlements.Resolve(ctx, m.ID, model.OutcomeYes, true)
	require.NoError(t, err)
	after := f.balance(t, s.ID)

	_, err = f.Settlements.Resolve(ctx, m.ID, model.OutcomeNo, true)
	assert.ErrorIs(t, err, apperr.ErrAlreadyResolved)
	assert.Equal(t, 409, apperr.HTTPStatus(err))

	again := f.balance(t, s.ID)
	assert.True(t, again.Active.Equal(after.Active))
	assert.True(t, again.Credited.Equal(after.Credited))

	_, err = f.Markets.Buy(ctx, s.ID, m.ID, model.OutcomeYes, d(1))
	assert.ErrorIs(t, err, apperr.ErrMarketNotOpen)
	_, err = f.Markets.Sell(ctx, s.ID, m.ID, model.OutcomeYes, d(1))
	assert.ErrorIs(t, err, apperr.ErrMarketNotOpen)
}

func TestResolve_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	m := f.market(t, 100)

	_, err := f.Settlements.Resolve(ctx, "missing", model.OutcomeYes, true)
	assert.ErrorIs(t, err, apperr.ErrMarketNotFound)

	_, err = f.Settlements.Resolve(ctx, m.ID, model.Outcome("yes"), true)
	assert.ErrorIs(t, err, apperr.ErrInvalidOutcome)

	_, err = f.Settlements.Resolve(ctx, m.ID, model.OutcomeYes, false)
	assert.ErrorIs(t, err, apperr.ErrMarketStillOpen)

	_, err = f.Settlements.Get(ctx, m.ID)
	assert.ErrorIs(t, err, apperr.ErrSettlementNotFound)

	f.clock.Advance(24 * time.Hour)
	s, err := f.Settlements.Resolve(ctx, m.ID, model.OutcomeYes, false)
	require.NoError(t, err)
	assert.Empty(t, s.Payouts)
	assert.True(t, s.WinningShares.IsZero())
}

func TestResolve_ProRataPayouts(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.session(t, alice, 1000)
	b := f.session(t, bob, 1000)
	c := f.session(t, carol, 1000)
	m := f.market(t, 100)

	_, err := f.Markets.Buy(ctx, a.ID, m.ID, model.OutcomeYes, d(3))
	require.NoError(t, err)
	_, err = f.Markets.Buy(ctx, c.ID, m.ID, model.OutcomeYes, d(1))
	require.NoError(t, err)
	_, err = f.Markets.Buy(ctx, b.ID, m.ID, model.OutcomeNo, d(4))
	require.NoError(t, err)

	s, err := f.Settlements.Resolve(ctx, m.ID, model.OutcomeYes, true)
	require.NoError(t, err)
	assert.True(t, s.TotalPool.Equal(d(108)))
	assert.True(t, s.WinningShares.Equal(d(4)))

	paid := map[string]string{}
	for _, p := range s.Payouts {
		paid[p.SessionID] = p.Amount.String()
	}
	assert.Equal(t, map[string]string{a.ID: "81", c.ID: "27"}, paid)

	for _, id := range []string{a.ID, b.ID, c.ID} {
		f.requireConserved(t, id)
	}
}

func TestResolve_PayoutFollowsOpenSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	first := f.session(t, alice, 100)
	m := f.market(t, 100)
	_, err := f.Markets.Buy(ctx, first.ID, m.ID, model.OutcomeYes, d(10))
	require.NoError(t, err)

	_, err = f.Sessions.Close(ctx, first.ID)
	require.NoError(t, err)
	f.clock.Advance(time.Minute)
	second := f.session(t, alice, 50)

	s, err := f.Settlements.Resolve(ctx, m.ID, model.OutcomeYes, true)
	require.NoError(t, err)
	require.Len(t, s.Payouts, 1)
	assert.Equal(t, second.ID, s.Payouts[0].SessionID)
	assert.True(t, s.Payouts[0].Credited)

	bal := f.balance(t, second.ID)
	assert.True(t, bal.Active.Equal(d(50).Add(s.Payouts[0].Amount)))
	f.requireConserved(t, second.ID)
}

func TestResolve_UnclaimedWithoutOpenSession(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s := f.session(t, alice, 100)
	m := f.market(t, 100)
	_, err := f.Markets.Buy(ctx, s.ID, m.ID, model.OutcomeNo, d(10))
	require.NoError(t, err)
	_, err = f.Sessions.Close(ctx, s.ID)
	require.NoError(t, err)
	before := f.balance(t, s.ID)

	settlement, err := f.Settlements.Resolve(ctx, m.ID, model.OutcomeNo, true)
	require.NoError(t, err)
	require.Len(t, settlement.Payouts, 1)
	p := settlement.Payouts[0]
	assert.False(t, p.Credited)
	assert.Empty(t, p.SessionID)
	assert.True(t, p.Amount.Equal(settlement.TotalPool))

	after := f.balance(t, s.ID)
	assert.True(t, after.Active.Equal(before.Active))
}

func TestResolve_HandsSettlementToRecorder(t *testing.T) {
	rec := make(chanRecorder, 1)
	f := newFixture(t, nil, ledger.WithRecorder(rec))
	ctx := context.Background()
	s := f.session(t, alice, 100)
	m := f.market(t, 100)
	_, err := f.Markets.Buy(ctx, s.ID, m.ID, model.OutcomeYes, d(2))
	require.NoError(t, err)

	_, err = f.Settlements.Resolve(ctx, m.ID, model.OutcomeYes, true)
	require.NoError(t, err)

	select {
	case got := <-rec:
		assert.Equal(t, m.ID, got.MarketID)
		require.Len(t, got.Payouts, 1)
	case <-time.After(2 * time.Second):
		t.Fatal("recorder was not called")
	}
}
