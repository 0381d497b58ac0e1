package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/vaultos/ledger-engine/internal/apperr"
	"github.com/vaultos/ledger-engine/internal/lmsr"
	"github.com/vaultos/ledger-engine/internal/model"
	"github.com/vaultos/ledger-engine/internal/store"
)

// Positions tracks per-(user, market, outcome) holdings and cost basis.
// Positions are only written by trades and are never deleted.
type Positions struct {
	*core
}

// Get returns one position.
func (p *Positions) Get(ctx context.Context, user, marketID string, outcome model.Outcome) (*model.Position, error) {
	if !outcome.Valid() {
		return nil, apperr.ErrInvalidOutcome
	}
	pos, err := p.store.GetPosition(ctx, user, marketID, outcome)
	if err != nil {
		return nil, notFound(err, apperr.ErrPositionNotFound)
	}
	return pos, nil
}

// CurrentValue marks a position to market: shares × price while the market
// is open, shares × 1 or 0 once it has resolved.
func (p *Positions) CurrentValue(ctx context.Context, user, marketID string, outcome model.Outcome) (decimal.Decimal, error) {
	pos, err := p.Get(ctx, user, marketID, outcome)
	if err != nil {
		return decimal.Zero, err
	}
	m, err := p.store.GetMarket(ctx, marketID)
	if err != nil {
		return decimal.Zero, notFound(err, apperr.ErrMarketNotFound)
	}
	return positionValue(m, pos)
}

// ListByUser returns the user's portfolio with every position marked to
// market.
func (p *Positions) ListByUser(ctx context.Context, user string) (*model.Portfolio, error) {
	addr, err := NormalizeAddress(user)
	if err != nil {
		return nil, err
	}
	positions, err := p.store.ListPositionsByUser(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("list positions: %w", err)
	}

	portfolio := &model.Portfolio{
		UserAddress: addr,
		Positions:   make([]model.PositionView, 0, len(positions)),
		TotalValue:  decimal.Zero,
		TotalCost:   decimal.Zero,
		TotalPnL:    decimal.Zero,
	}
	markets := make(map[string]*model.Market)
	for i := range positions {
		pos := &positions[i]
		m, ok := markets[pos.MarketID]
		if !ok {
			m, err = p.store.GetMarket(ctx, pos.MarketID)
			if err != nil {
				return nil, fmt.Errorf("load market %s: %w", pos.MarketID, err)
			}
			markets[pos.MarketID] = m
		}
		price, err := outcomePrice(m, pos.Outcome)
		if err != nil {
			return nil, err
		}
		value := pos.Shares.Mul(price).Round(lmsr.PriceScale)
		view := model.PositionView{
			Position:      *pos,
			CurrentPrice:  price,
			CurrentValue:  value,
			UnrealizedPnL: value.Sub(pos.TotalCost),
			MarketStatus:  m.Status,
		}
		portfolio.Positions = append(portfolio.Positions, view)
		portfolio.TotalValue = portfolio.TotalValue.Add(value)
		portfolio.TotalCost = portfolio.TotalCost.Add(pos.TotalCost)
	}
	portfolio.TotalPnL = portfolio.TotalValue.Sub(portfolio.TotalCost)
	return portfolio, nil
}

// outcomePrice is the LMSR price while open, and 1 or 0 once resolved.
func outcomePrice(m *model.Market, outcome model.Outcome) (decimal.Decimal, error) {
	if m.Status == model.MarketResolved {
		if outcome == m.WinningOutcome {
			return decimal.NewFromInt(1), nil
		}
		return decimal.Zero, nil
	}
	mm, err := lmsr.NewMarketMaker(m.Liquidity)
	if err != nil {
		return decimal.Zero, fmt.Errorf("market %s: %w", m.ID, err)
	}
	return mm.PriceOf(m.YesPool, m.NoPool, outcome), nil
}

func positionValue(m *model.Market, pos *model.Position) (decimal.Decimal, error) {
	price, err := outcomePrice(m, pos.Outcome)
	if err != nil {
		return decimal.Zero, err
	}
	return pos.Shares.Mul(price).Round(lmsr.PriceScale), nil
}

// recordBuy upserts the position with a share-weighted average price.
// The caller holds the session and market locks.
func (c *core) recordBuy(ctx context.Context, tx store.Store, user, marketID string, outcome model.Outcome,
	shares, price decimal.Decimal, sessionID string, now time.Time) (*model.Position, error) {
	pos, err := tx.GetPosition(ctx, user, marketID, outcome)
	if errors.Is(err, store.ErrNotFound) {
		pos = &model.Position{
			UserAddress:  user,
			MarketID:     marketID,
			Outcome:      outcome,
			Shares:       decimal.Zero,
			AveragePrice: decimal.Zero,
			TotalCost:    decimal.Zero,
		}
	} else if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}

	newShares := pos.Shares.Add(shares)
	pos.AveragePrice = pos.Shares.Mul(pos.AveragePrice).
		Add(shares.Mul(price)).
		Div(newShares).
		Round(lmsr.PriceScale)
	pos.TotalCost = pos.TotalCost.Add(shares.Mul(price)).Round(lmsr.PriceScale)
	pos.Shares = newShares
	pos.LastSessionID = sessionID
	pos.UpdatedAt = now

	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("save position: %w", err)
	}
	return pos, nil
}

// recordSell removes shares at average cost: TotalCost shrinks by the
// fraction of shares sold and AveragePrice is unchanged.
func (c *core) recordSell(ctx context.Context, tx store.Store, user, marketID string, outcome model.Outcome,
	shares decimal.Decimal, sessionID string, now time.Time) (*model.Position, error) {
	pos, err := tx.GetPosition(ctx, user, marketID, outcome)
	if errors.Is(err, store.ErrNotFound) {
		return nil, apperr.ErrInsufficientShares
	} else if err != nil {
		return nil, fmt.Errorf("load position: %w", err)
	}
	if shares.GreaterThan(pos.Shares) {
		return nil, apperr.ErrInsufficientShares
	}

	removed := pos.TotalCost.Mul(shares).Div(pos.Shares).Round(lmsr.PriceScale)
	pos.Shares = pos.Shares.Sub(shares)
	pos.TotalCost = pos.TotalCost.Sub(removed)
	if pos.Shares.IsZero() {
		pos.TotalCost = decimal.Zero
	}
	pos.LastSessionID = sessionID
	pos.UpdatedAt = now

	if err := tx.UpsertPosition(ctx, pos); err != nil {
		return nil, fmt.Errorf("save position: %w", err)
	}
	return pos, nil
}
