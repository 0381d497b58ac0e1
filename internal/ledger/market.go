package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/vaultos/ledger-engine/internal/apperr"
	"github.com/vaultos/ledger-engine/internal/lmsr"
	"github.com/vaultos/ledger-engine/internal/metrics"
	"github.com/vaultos/ledger-engine/internal/model"
	"github.com/vaultos/ledger-engine/internal/risk"
	"github.com/vaultos/ledger-engine/internal/store"
)

// Markets creates binary markets and executes trades against their LMSR
// pools.
type Markets struct {
	*core
}

// MarketView is a market with its current prices.
type MarketView struct {
	model.Market
	PriceYes decimal.Decimal `json:"price_yes"`
	PriceNo  decimal.Decimal `json:"price_no"`
}

// TradeResult is returned from Buy and Sell. Cost is what the trader paid
// on a buy and what they received on a sell.
type TradeResult struct {
	TradeID      string          `json:"trade_id"`
	SessionID    string          `json:"session_id"`
	MarketID     string          `json:"market_id"`
	Outcome      model.Outcome   `json:"outcome"`
	Side         string          `json:"side"`
	Shares       decimal.Decimal `json:"shares"`
	Cost         decimal.Decimal `json:"cost"`
	AveragePrice decimal.Decimal `json:"average_price"`
	NewPrice     decimal.Decimal `json:"new_price"`
	PriceYes     decimal.Decimal `json:"price_yes"`
	PriceNo      decimal.Decimal `json:"price_no"`
}

// Create opens a market. A zero liquidity uses the configured default;
// both pools are seeded with half of it and b equals it.
func (mk *Markets) Create(ctx context.Context, question string, endTime time.Time, liquidity decimal.Decimal) (*MarketView, error) {
	question = strings.TrimSpace(question)
	if question == "" {
		return nil, fmt.Errorf("%w: question is required", apperr.ErrInvalidMarket)
	}
	now := mk.now()
	if !endTime.After(now) {
		return nil, fmt.Errorf("%w: end time must be in the future", apperr.ErrInvalidMarket)
	}
	if liquidity.IsZero() {
		liquidity = mk.cfg.DefaultLiquidity
	}
	mm, err := lmsr.NewMarketMaker(liquidity)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrInvalidMarket, err)
	}

	yes, no := lmsr.SeedPools(liquidity)
	m := &model.Market{
		ID:          uuid.New().String(),
		Question:    question,
		EndTime:     endTime,
		Status:      model.MarketOpen,
		YesPool:     yes,
		NoPool:      no,
		Liquidity:   liquidity,
		TotalVolume: decimal.Zero,
		CreatedAt:   now,
	}
	if err := mk.store.CreateMarket(ctx, m); err != nil {
		return nil, fmt.Errorf("create market: %w", err)
	}

	view := viewOf(m, mm)
	metrics.ActiveMarkets.Inc()
	slog.Info("market created",
		"id", m.ID,
		"question", m.Question,
		"end_time", m.EndTime,
		"liquidity", liquidity.String(),
	)
	mk.notify(Event{Type: EventMarketCreated, MarketID: m.ID, PriceYes: view.PriceYes, PriceNo: view.PriceNo})
	return view, nil
}

// Get returns a market with its current prices.
func (mk *Markets) Get(ctx context.Context, id string) (*MarketView, error) {
	m, err := mk.store.GetMarket(ctx, id)
	if err != nil {
		return nil, notFound(err, apperr.ErrMarketNotFound)
	}
	mm, err := lmsr.NewMarketMaker(m.Liquidity)
	if err != nil {
		return nil, fmt.Errorf("market %s: %w", id, err)
	}
	return viewOf(m, mm), nil
}

// List returns every market, newest first.
func (mk *Markets) List(ctx context.Context) ([]MarketView, error) {
	markets, err := mk.store.ListMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("list markets: %w", err)
	}
	views := make([]MarketView, 0, len(markets))
	for i := range markets {
		mm, err := lmsr.NewMarketMaker(markets[i].Liquidity)
		if err != nil {
			return nil, fmt.Errorf("market %s: %w", markets[i].ID, err)
		}
		views = append(views, *viewOf(&markets[i], mm))
	}
	return views, nil
}

// Price returns the current LMSR price of outcome.
func (mk *Markets) Price(ctx context.Context, id string, outcome model.Outcome) (decimal.Decimal, error) {
	if !outcome.Valid() {
		return decimal.Zero, apperr.ErrInvalidOutcome
	}
	view, err := mk.Get(ctx, id)
	if err != nil {
		return decimal.Zero, err
	}
	if outcome == model.OutcomeNo {
		return view.PriceNo, nil
	}
	return view.PriceYes, nil
}

// Trades returns the market's trade log in execution order.
func (mk *Markets) Trades(ctx context.Context, id string) ([]model.Trade, error) {
	if _, err := mk.store.GetMarket(ctx, id); err != nil {
		return nil, notFound(err, apperr.ErrMarketNotFound)
	}
	trades, err := mk.store.ListTradesByMarket(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	if trades == nil {
		trades = []model.Trade{}
	}
	return trades, nil
}

// Buy acquires shares of outcome for the session. The cost is the LMSR
// integral C(q') - C(q), debited from the active tier.
func (mk *Markets) Buy(ctx context.Context, sessionID, marketID string, outcome model.Outcome, shares decimal.Decimal) (*TradeResult, error) {
	start := time.Now()
	res, err := mk.trade(ctx, model.SideBuy, sessionID, marketID, outcome, shares)
	mk.observeTrade(model.SideBuy, outcome, start, res, err)
	return res, err
}

// Sell returns shares of outcome to the pool. Proceeds C(q) - C(q') are
// credited to the active tier.
func (mk *Markets) Sell(ctx context.Context, sessionID, marketID string, outcome model.Outcome, shares decimal.Decimal) (*TradeResult, error) {
	start := time.Now()
	res, err := mk.trade(ctx, model.SideSell, sessionID, marketID, outcome, shares)
	mk.observeTrade(model.SideSell, outcome, start, res, err)
	return res, err
}

func (mk *Markets) trade(ctx context.Context, side, sessionID, marketID string, outcome model.Outcome, shares decimal.Decimal) (*TradeResult, error) {
	if !outcome.Valid() {
		return nil, apperr.ErrInvalidOutcome
	}
	if !shares.IsPositive() {
		return nil, apperr.ErrInvalidShareAmount
	}

	release := mk.locks.Acquire([]string{sessionID}, []string{marketID})
	defer release()

	var res *TradeResult
	err := mk.store.WithTx(ctx, func(tx store.Store) error {
		now := mk.now()
		sess, bal, err := mk.loadTradeable(ctx, tx, sessionID)
		if err != nil {
			return err
		}
		m, err := mk.loadOpenMarket(ctx, tx, marketID, now)
		if err != nil {
			return err
		}
		mm, err := lmsr.NewMarketMaker(m.Liquidity)
		if err != nil {
			return fmt.Errorf("market %s: %w", marketID, err)
		}

		delta := shares
		if side == model.SideSell {
			delta = shares.Neg()
			// Check holdings before pricing so an oversized sell reports
			// the shortfall rather than a price bound.
			pos, err := tx.GetPosition(ctx, sess.OwnerAddress, marketID, outcome)
			if errors.Is(err, store.ErrNotFound) || (err == nil && shares.GreaterThan(pos.Shares)) {
				return apperr.ErrInsufficientShares
			} else if err != nil {
				return fmt.Errorf("load position: %w", err)
			}
		}

		q, err := mm.Quote(m.YesPool, m.NoPool, outcome, delta)
		if errors.Is(err, lmsr.ErrPriceBoundExceeded) {
			return apperr.ErrPriceBoundExceeded
		} else if err != nil {
			return err
		}

		var amount decimal.Decimal
		if side == model.SideBuy {
			amount = q.Cost
			if err := mk.checkLimit(ctx, tx, sess.OwnerAddress, marketID, outcome, shares); err != nil {
				return err
			}
			if err := mk.spend(ctx, tx, sess, bal, amount); err != nil {
				return err
			}
			if _, err := mk.recordBuy(ctx, tx, sess.OwnerAddress, marketID, outcome, shares, q.FillPrice, sessionID, now); err != nil {
				return err
			}
		} else {
			amount = q.Cost.Neg()
			bal.Active = bal.Active.Add(amount)
			bal.Credited = bal.Credited.Add(amount)
			if err := tx.UpdateBalance(ctx, bal); err != nil {
				return err
			}
			if _, err := mk.recordSell(ctx, tx, sess.OwnerAddress, marketID, outcome, shares, sessionID, now); err != nil {
				return err
			}
		}

		m.YesPool, m.NoPool = q.NewYes, q.NewNo
		m.TotalVolume = m.TotalVolume.Add(amount)
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return err
		}

		t := &model.Trade{
			ID:          uuid.New().String(),
			SessionID:   sessionID,
			UserAddress: sess.OwnerAddress,
			MarketID:    marketID,
			Outcome:     outcome,
			Side:        side,
			Shares:      shares,
			Price:       q.FillPrice,
			Cost:        amount,
			Timestamp:   now,
		}
		if err := tx.InsertTrade(ctx, t); err != nil {
			return fmt.Errorf("record trade: %w", err)
		}

		res = &TradeResult{
			TradeID:      t.ID,
			SessionID:    sessionID,
			MarketID:     marketID,
			Outcome:      outcome,
			Side:         side,
			Shares:       shares,
			Cost:         amount,
			AveragePrice: q.FillPrice,
			NewPrice:     q.NewPrice(),
			PriceYes:     q.PriceYes,
			PriceNo:      q.PriceNo,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	slog.Info("trade executed",
		"trade_id", res.TradeID,
		"session", sessionID,
		"market", marketID,
		"side", side,
		"outcome", outcome,
		"shares", shares.String(),
		"cost", res.Cost.String(),
		"fill_price", res.AveragePrice.String(),
		"new_price_yes", res.PriceYes.String(),
	)
	mk.notify(Event{
		Type:     EventTradeExecuted,
		MarketID: marketID,
		PriceYes: res.PriceYes,
		PriceNo:  res.PriceNo,
		Outcome:  outcome,
		Side:     side,
		Shares:   shares,
	})
	return res, nil
}

// loadOpenMarket rejects resolved markets and markets past their end time.
func (c *core) loadOpenMarket(ctx context.Context, tx store.Store, id string, now time.Time) (*model.Market, error) {
	m, err := tx.GetMarket(ctx, id)
	if err != nil {
		return nil, notFound(err, apperr.ErrMarketNotFound)
	}
	if m.Status != model.MarketOpen || !now.Before(m.EndTime) {
		return nil, apperr.ErrMarketNotOpen
	}
	return m, nil
}

// checkLimit applies the position limiter to a buy, counting only the
// user's positions in markets that are still open.
func (c *core) checkLimit(ctx context.Context, tx store.Store, user, marketID string, outcome model.Outcome, shares decimal.Decimal) error {
	if c.limiter == nil {
		return nil
	}
	positions, err := tx.ListPositionsByUser(ctx, user)
	if err != nil {
		return fmt.Errorf("list positions: %w", err)
	}
	open := make(map[string]bool)
	for _, p := range positions {
		if _, seen := open[p.MarketID]; seen {
			continue
		}
		m, err := tx.GetMarket(ctx, p.MarketID)
		if err != nil {
			return fmt.Errorf("load market %s: %w", p.MarketID, err)
		}
		open[p.MarketID] = m.Status == model.MarketOpen
	}
	exposures := risk.Exposures(positions, func(id string) bool { return open[id] })
	if err := c.limiter.CheckLimit(marketID, risk.ExposureDelta(outcome, shares), exposures); err != nil {
		metrics.PositionLimitRejections.Inc()
		return fmt.Errorf("%w: %v", apperr.ErrRiskLimitExceeded, err)
	}
	return nil
}

func (mk *Markets) observeTrade(side string, outcome model.Outcome, start time.Time, res *TradeResult, err error) {
	if err != nil {
		metrics.TradeRejections.WithLabelValues(side, apperr.Code(err)).Inc()
		return
	}
	metrics.TradesTotal.WithLabelValues(side, string(outcome)).Inc()
	metrics.TradeLatency.WithLabelValues(side).Observe(time.Since(start).Seconds())
	metrics.MarketVolume.WithLabelValues(res.MarketID, side).Add(res.Cost.InexactFloat64())
}

func viewOf(m *model.Market, mm *lmsr.MarketMaker) *MarketView {
	return &MarketView{
		Market:   *m,
		PriceYes: mm.Price(m.YesPool, m.NoPool),
		PriceNo:  mm.PriceNo(m.YesPool, m.NoPool),
	}
}
