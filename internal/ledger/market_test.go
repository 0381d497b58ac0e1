package ledger_test

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultos/ledger-engine/internal/apperr"
	"github.com/vaultos/ledger-engine/internal/ledger"
	"github.com/vaultos/ledger-engine/internal/lmsr"
	"github.com/vaultos/ledger-engine/internal/model"
	"github.com/vaultos/ledger-engine/internal/risk"
)

func TestMarketCreate(t *testing.T) {
	notifier := &recordingNotifier{}
	f := newFixture(t, nil, ledger.WithNotifier(notifier))

	m := f.market(t, 100)
	assert.Equal(t, model.MarketOpen, m.Status)
	assert.True(t, m.YesPool.Equal(d(50)))
	assert.True(t, m.NoPool.Equal(d(50)))
	assert.True(t, m.PriceYes.Equal(d(0.5)))
	assert.True(t, m.PriceNo.Equal(d(0.5)))
	assert.Equal(t, []string{ledger.EventMarketCreated}, notifier.types())
}

func TestMarketCreate_Validation(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	_, err := f.Markets.Create(ctx, "  ", epoch.Add(time.Hour), d(10))
	assert.ErrorIs(t, err, apperr.ErrInvalidMarket)

	_, err = f.Markets.Create(ctx, "past?", epoch.Add(-time.Hour), d(10))
	assert.ErrorIs(t, err, apperr.ErrInvalidMarket)

	_, err = f.Markets.Create(ctx, "negative?", epoch.Add(time.Hour), d(-10))
	assert.ErrorIs(t, err, apperr.ErrInvalidMarket)

	m, err := f.Markets.Create(ctx, "default?", epoch.Add(time.Hour), decimal.Zero)
	require.NoError(t, err)
	assert.True(t, m.Liquidity.Equal(ledger.DefaultConfig().DefaultLiquidity))
}

func TestBuy_DebitsActiveAndMovesPrice(t *testing.T) {
	notifier := &recordingNotifier{}
	f := newFixture(t, nil, ledger.WithNotifier(notifier))
	ctx := context.Background()
	s := f.session(t, alice, 1000)
	m := f.market(t, 100)

	res, err := f.Markets.Buy(ctx, s.ID, m.ID, model.OutcomeYes, d(20))
	require.NoError(t, err)

	// Cost is the LMSR integral: more than 20 × 0.5, less than 20 × new price.
	assert.True(t, res.Cost.GreaterThan(d(10)), "cost = %s", res.Cost)
	assert.True(t, res.Cost.LessThan(d(20).Mul(res.NewPrice)), "cost = %s", res.Cost)
	assert.True(t, res.NewPrice.GreaterThan(d(0.5)))
	assert.True(t, res.PriceYes.Add(res.PriceNo).Equal(d(1)))

	b := f.balance(t, s.ID)
	assert.True(t, b.Active.Equal(d(1000).Sub(res.Cost)))
	f.requireConserved(t, s.ID)

	got, err := f.Markets.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.YesPool.Equal(d(70)))
	assert.True(t, got.NoPool.Equal(d(50)))
	assert.True(t, got.TotalVolume.Equal(res.Cost))

	pos, err := f.Positions.Get(ctx, alice, m.ID, model.OutcomeYes)
	require.NoError(t, err)
	assert.True(t, pos.Shares.Equal(d(20)))
	assert.Equal(t, s.ID, pos.LastSessionID)

	trades, err := f.Markets.Trades(ctx, m.ID)
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, model.SideBuy, trades[0].Side)
	assert.Equal(t, res.TradeID, trades[0].ID)

	assert.Contains(t, notifier.types(), ledger.EventTradeExecuted)
}

func TestBuy_Rejections(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s := f.session(t, alice, 5)
	m := f.market(t, 100)
	late, err := f.Markets.Create(ctx, "Ends soon?", epoch.Add(time.Minute), d(100))
	require.NoError(t, err)
	f.clock.Advance(time.Minute)

	tests := []struct {
		name     string
		marketID string
		outcome  model.Outcome
		shares   decimal.Decimal
		want     error
	}{
		{"zero shares", m.ID, model.OutcomeYes, decimal.Zero, apperr.ErrInvalidShareAmount},
		{"negative shares", m.ID, model.OutcomeYes, d(-1), apperr.ErrInvalidShareAmount},
		{"bad outcome", m.ID, model.Outcome("MAYBE"), d(1), apperr.ErrInvalidOutcome},
		{"unknown market", "missing", model.OutcomeYes, d(1), apperr.ErrMarketNotFound},
		{"past end time", late.ID, model.OutcomeYes, d(1), apperr.ErrMarketNotOpen},
		{"insufficient balance", m.ID, model.OutcomeYes, d(50), apperr.ErrInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.Markets.Buy(ctx, s.ID, tt.marketID, tt.outcome, tt.shares)
			assert.ErrorIs(t, err, tt.want)
		})
	}

	// Nothing above mutated state.
	b := f.balance(t, s.ID)
	assert.True(t, b.Active.Equal(d(5)))
	got, err := f.Markets.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.YesPool.Equal(d(50)))
	assert.True(t, got.TotalVolume.IsZero())
}

func TestBuy_PriceBoundExceeded(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s := f.session(t, alice, 10000)
	m := f.market(t, 1)

	_, err := f.Markets.Buy(ctx, s.ID, m.ID, model.OutcomeYes, d(100))
	assert.ErrorIs(t, err, apperr.ErrPriceBoundExceeded)
	assert.Equal(t, apperr.KindValidation, apperr.KindOf(err))
}

func TestSell_UnwindsPastPriceBound(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	a := f.session(t, alice, 100)
	b := f.session(t, bob, 1000)
	m := f.market(t, 10)

	_, err := f.Markets.Buy(ctx, a.ID, m.ID, model.OutcomeYes, d(5))
	require.NoError(t, err)
	// Bob drives YES to just above the floor.
	_, err = f.Markets.Buy(ctx, b.ID, m.ID, model.OutcomeNo, d(74))
	require.NoError(t, err)

	// Exiting pushes p_yes under the floor; the holder still gets out.
	res, err := f.Markets.Sell(ctx, a.ID, m.ID, model.OutcomeYes, d(5))
	require.NoError(t, err)
	assert.True(t, res.Cost.IsPositive())

	got, err := f.Markets.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.PriceYes.Equal(lmsr.MinPrice), "price %s", got.PriceYes)

	pos, err := f.Positions.Get(ctx, alice, m.ID, model.OutcomeYes)
	require.NoError(t, err)
	assert.True(t, pos.Shares.IsZero())
	f.requireConserved(t, a.ID)
}

func TestBuy_RiskLimit(t *testing.T) {
	f := newFixture(t, nil, ledger.WithLimiter(risk.NewPositionLimiter(d(10), decimal.Zero)))
	ctx := context.Background()
	s := f.session(t, alice, 1000)
	m := f.market(t, 100)

	_, err := f.Markets.Buy(ctx, s.ID, m.ID, model.OutcomeYes, d(8))
	require.NoError(t, err)

	_, err = f.Markets.Buy(ctx, s.ID, m.ID, model.OutcomeYes, d(3))
	assert.ErrorIs(t, err, apperr.ErrRiskLimitExceeded)

	// The other side nets the exposure down.
	_, err = f.Markets.Buy(ctx, s.ID, m.ID, model.OutcomeNo, d(3))
	require.NoError(t, err)
}

func TestSell_RoundTripRestoresShares(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s := f.session(t, alice, 1000)
	m := f.market(t, 100)

	buy, err := f.Markets.Buy(ctx, s.ID, m.ID, model.OutcomeNo, d(25))
	require.NoError(t, err)
	sell, err := f.Markets.Sell(ctx, s.ID, m.ID, model.OutcomeNo, d(25))
	require.NoError(t, err)

	pos, err := f.Positions.Get(ctx, alice, m.ID, model.OutcomeNo)
	require.NoError(t, err)
	assert.True(t, pos.Shares.IsZero())
	assert.True(t, pos.TotalCost.IsZero())

	// LMSR is path independent: selling straight back returns the cost.
	assert.True(t, sell.Cost.Equal(buy.Cost), "buy %s sell %s", buy.Cost, sell.Cost)

	got, err := f.Markets.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.NoPool.Equal(d(50)))
	assert.True(t, got.TotalVolume.Equal(buy.Cost.Add(sell.Cost)))

	b := f.balance(t, s.ID)
	assert.True(t, b.Active.Equal(d(1000)))
	assert.True(t, b.Credited.Equal(sell.Cost))
	f.requireConserved(t, s.ID)
}

func TestSell_AverageCostBasis(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s := f.session(t, alice, 1000)
	m := f.market(t, 100)

	_, err := f.Markets.Buy(ctx, s.ID, m.ID, model.OutcomeYes, d(10))
	require.NoError(t, err)
	before, err := f.Positions.Get(ctx, alice, m.ID, model.OutcomeYes)
	require.NoError(t, err)

	_, err = f.Markets.Sell(ctx, s.ID, m.ID, model.OutcomeYes, d(4))
	require.NoError(t, err)
	after, err := f.Positions.Get(ctx, alice, m.ID, model.OutcomeYes)
	require.NoError(t, err)

	assert.True(t, after.Shares.Equal(d(6)))
	assert.True(t, after.AveragePrice.Equal(before.AveragePrice))
	want := before.TotalCost.Sub(before.TotalCost.Mul(d(0.4)).Round(8))
	assert.True(t, after.TotalCost.Equal(want), "total cost %s want %s", after.TotalCost, want)
}

func TestSell_InsufficientShares(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s := f.session(t, alice, 1000)
	m := f.market(t, 100)

	_, err := f.Markets.Sell(ctx, s.ID, m.ID, model.OutcomeYes, d(1))
	assert.ErrorIs(t, err, apperr.ErrInsufficientShares)

	_, err = f.Markets.Buy(ctx, s.ID, m.ID, model.OutcomeYes, d(5))
	require.NoError(t, err)
	_, err = f.Markets.Sell(ctx, s.ID, m.ID, model.OutcomeYes, d(5.5))
	assert.ErrorIs(t, err, apperr.ErrInsufficientShares)
	assert.Equal(t, 422, apperr.HTTPStatus(err))
}

func TestTrading_RandomSequencesKeepInvariants(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	sessions := []*model.Session{f.session(t, alice, 5000), f.session(t, bob, 5000)}
	owners := []string{alice, bob}
	m := f.market(t, 50)

	rng := rand.New(rand.NewSource(7))
	outcomes := []model.Outcome{model.OutcomeYes, model.OutcomeNo}
	for i := 0; i < 200; i++ {
		who := rng.Intn(2)
		outcome := outcomes[rng.Intn(2)]
		shares := decimal.NewFromInt(int64(1 + rng.Intn(10)))

		var err error
		if rng.Intn(3) == 0 {
			_, err = f.Markets.Sell(ctx, sessions[who].ID, m.ID, outcome, shares)
		} else {
			_, err = f.Markets.Buy(ctx, sessions[who].ID, m.ID, outcome, shares)
		}
		if err != nil {
			require.NotEqual(t, apperr.KindInternal, apperr.KindOf(err), "step %d: %v", i, err)
		}

		view, err := f.Markets.Get(ctx, m.ID)
		require.NoError(t, err)
		assert.True(t, view.PriceYes.Add(view.PriceNo).Equal(d(1)), "step %d", i)
		assert.True(t, view.PriceYes.GreaterThan(decimal.Zero) && view.PriceYes.LessThan(d(1)), "step %d", i)
		for _, s := range sessions {
			f.requireConserved(t, s.ID)
		}
		for _, owner := range owners {
			for _, o := range outcomes {
				if pos, err := f.Positions.Get(ctx, owner, m.ID, o); err == nil {
					require.False(t, pos.Shares.IsNegative())
				}
			}
		}
	}
}

func TestBuy_ConcurrentTradesSerializePerMarket(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	m := f.market(t, 1000)

	const traders = 16
	sessions := make([]*model.Session, traders)
	for i := range sessions {
		owner := fmt.Sprintf("0x%040d", i+1)
		sessions[i] = f.session(t, owner, 1000)
	}

	var wg sync.WaitGroup
	errs := make(chan error, traders*5)
	for _, s := range sessions {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			for j := 0; j < 5; j++ {
				if _, err := f.Markets.Buy(ctx, id, m.ID, model.OutcomeYes, d(2)); err != nil {
					errs <- err
				}
			}
		}(s.ID)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("buy failed: %v", err)
	}

	got, err := f.Markets.Get(ctx, m.ID)
	require.NoError(t, err)
	assert.True(t, got.YesPool.Equal(d(500+traders*5*2)), "yes pool = %s", got.YesPool)

	trades, err := f.Markets.Trades(ctx, m.ID)
	require.NoError(t, err)
	assert.Len(t, trades, traders*5)

	volume := decimal.Zero
	for _, tr := range trades {
		volume = volume.Add(tr.Cost)
	}
	assert.True(t, got.TotalVolume.Equal(volume))
	for _, s := range sessions {
		f.requireConserved(t, s.ID)
	}
}

func TestPortfolio(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()
	s := f.session(t, alice, 1000)
	m1 := f.market(t, 100)
	m2 := f.market(t, 100)

	_, err := f.Markets.Buy(ctx, s.ID, m1.ID, model.OutcomeYes, d(10))
	require.NoError(t, err)
	_, err = f.Markets.Buy(ctx, s.ID, m2.ID, model.OutcomeNo, d(5))
	require.NoError(t, err)

	p, err := f.Positions.ListByUser(ctx, alice)
	require.NoError(t, err)
	require.Len(t, p.Positions, 2)

	sum := decimal.Zero
	for _, v := range p.Positions {
		assert.Equal(t, model.MarketOpen, v.MarketStatus)
		assert.True(t, v.CurrentValue.Equal(v.Shares.Mul(v.CurrentPrice).Round(8)))
		sum = sum.Add(v.CurrentValue)
	}
	assert.True(t, p.TotalValue.Equal(sum))
	assert.True(t, p.TotalPnL.Equal(p.TotalValue.Sub(p.TotalCost)))

	_, err = f.Positions.ListByUser(ctx, "nope")
	assert.ErrorIs(t, err, apperr.ErrInvalidAddress)
}
