// Package risk enforces per-user position limits across session markets.
//
// Exposure in a market is the signed net share count: YES shares count
// positive, NO shares negative. A user long YES and long NO in the same
// market is partly hedged, so only the net is limited per market, while
// the aggregate limit sums the absolute net across every open market.
package risk

import (
	"errors"

	"github.com/shopspring/decimal"

	"github.com/vaultos/ledger-engine/internal/model"
)

var (
	// ErrPerMarketLimitExceeded is returned when a trade would push a
	// single market's net position beyond the per-market maximum.
	ErrPerMarketLimitExceeded = errors.New("risk: per-market position limit exceeded")

	// ErrTotalLimitExceeded is returned when a trade would push the
	// aggregate absolute exposure across all markets beyond the maximum.
	ErrTotalLimitExceeded = errors.New("risk: total exposure limit exceeded")
)

// PositionLimiter enforces position limits. A zero limit disables that check.
type PositionLimiter struct {
	// MaxPerMarket is the maximum absolute net position in any single market.
	MaxPerMarket decimal.Decimal

	// MaxTotal is the maximum aggregate absolute exposure across markets.
	MaxTotal decimal.Decimal
}

// NewPositionLimiter creates a limiter with the given per-market and
// aggregate limits.
func NewPositionLimiter(maxPerMarket, maxTotal decimal.Decimal) *PositionLimiter {
	return &PositionLimiter{
		MaxPerMarket: maxPerMarket,
		MaxTotal:     maxTotal,
	}
}

// ExposureDelta converts a share change on outcome into a signed exposure
// change: +YES / -NO.
func ExposureDelta(outcome model.Outcome, shares decimal.Decimal) decimal.Decimal {
	if outcome == model.OutcomeNo {
		return shares.Neg()
	}
	return shares
}

// Exposures folds a user's positions into market ID → net exposure.
// Positions in markets for which open returns false are skipped.
func Exposures(positions []model.Position, open func(marketID string) bool) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal)
	for _, p := range positions {
		if !p.Shares.IsPositive() {
			continue
		}
		if open != nil && !open(p.MarketID) {
			continue
		}
		out[p.MarketID] = out[p.MarketID].Add(ExposureDelta(p.Outcome, p.Shares))
	}
	return out
}

// CheckLimit validates whether a trade respects position limits.
//
// Parameters:
//   - marketID: the market being traded
//   - exposureDelta: signed change in exposure (+YES / -NO direction)
//   - existing: map of market ID → current net exposure for this user
//
// Returns nil if the trade is within limits.
func (l *PositionLimiter) CheckLimit(
	marketID string,
	exposureDelta decimal.Decimal,
	existing map[string]decimal.Decimal,
) error {
	current := existing[marketID]
	next := current.Add(exposureDelta)

	// A trade that shrinks the position is always allowed.
	if next.Abs().LessThanOrEqual(current.Abs()) {
		return nil
	}

	if l.MaxPerMarket.IsPositive() && next.Abs().GreaterThan(l.MaxPerMarket) {
		return ErrPerMarketLimitExceeded
	}

	if !l.MaxTotal.IsPositive() {
		return nil
	}
	total := next.Abs()
	for id, exposure := range existing {
		if id == marketID {
			continue // already counted via next above
		}
		total = total.Add(exposure.Abs())
	}
	if total.GreaterThan(l.MaxTotal) {
		return ErrTotalLimitExceeded
	}
	return nil
}
