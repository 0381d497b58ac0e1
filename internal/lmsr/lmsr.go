// Package lmsr implements the Logarithmic Market Scoring Rule (LMSR)
// automated market maker that prices YES/NO shares in a session market.
//
// A market's two pools (q_yes, q_no) are outstanding-share counters, not
// token custody. The cost function
//
//	C(q) = b * ln(exp(q_yes/b) + exp(q_no/b))
//
// is convex, its gradient is the price vector (which sums to one), and the
// market maker's worst-case loss is b * ln(2). The liquidity parameter b
// controls depth: a larger b means smaller price impact per share.
//
// All monetary values use shopspring/decimal. Transcendental math runs in
// float64 with the log-sum-exp trick and is converted back immediately.
//
// Reference: Hanson, R. (2003) "Combinatorial Information Market Design"
package lmsr

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"

	"github.com/vaultos/ledger-engine/internal/model"
)

var (
	// ErrInvalidLiquidity is returned when b <= 0.
	ErrInvalidLiquidity = errors.New("lmsr: liquidity parameter b must be positive")

	// ErrPriceBoundExceeded is returned when a buy would push the bought
	// outcome's price above MaxPrice.
	ErrPriceBoundExceeded = errors.New("lmsr: trade would push price beyond allowed bounds")

	// ErrInvalidOutcome is returned for anything other than YES or NO.
	ErrInvalidOutcome = errors.New("lmsr: outcome must be YES or NO")

	// MinPrice is the lowest quoted price. Keeps both outcomes strictly
	// inside (0, 1).
	MinPrice = decimal.NewFromFloat(0.001)

	// MaxPrice is the highest quoted price.
	MaxPrice = decimal.NewFromFloat(0.999)

	// PriceScale is the number of decimal places for price/cost rounding.
	PriceScale int32 = 8
)

// MarketMaker evaluates the LMSR cost function for one liquidity level.
// It is stateless: pool sizes are passed in, never stored.
type MarketMaker struct {
	b decimal.Decimal
}

// NewMarketMaker creates a market maker with liquidity parameter b.
func NewMarketMaker(b decimal.Decimal) (*MarketMaker, error) {
	if b.LessThanOrEqual(decimal.Zero) {
		return nil, ErrInvalidLiquidity
	}
	return &MarketMaker{b: b}, nil
}

// B returns the liquidity parameter.
func (m *MarketMaker) B() decimal.Decimal {
	return m.b
}

// SeedPools splits an initial liquidity amount evenly across both pools so a
// fresh market opens at 0.5/0.5.
func SeedPools(liquidity decimal.Decimal) (yes, no decimal.Decimal) {
	half := liquidity.Div(decimal.NewFromInt(2))
	return half, half
}

// logSumExp computes ln(Σ exp(x_i)) without overflowing float64, which
// happens for naive exp(x) once x > ~709.
//
//	LSE(x) = max(x) + ln(Σ exp(x_i - max(x)))
func logSumExp(xs []float64) float64 {
	if len(xs) == 0 {
		return math.Inf(-1)
	}

	maxVal := xs[0]
	for _, x := range xs[1:] {
		if x > maxVal {
			maxVal = x
		}
	}

	if math.IsInf(maxVal, -1) {
		return math.Inf(-1)
	}

	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// Cost computes C(q_yes, q_no) = b * ln(exp(q_yes/b) + exp(q_no/b)).
func (m *MarketMaker) Cost(qYes, qNo decimal.Decimal) decimal.Decimal {
	bf := m.b.InexactFloat64()
	lse := logSumExp([]float64{qYes.InexactFloat64() / bf, qNo.InexactFloat64() / bf})
	return decimal.NewFromFloat(bf * lse).Round(PriceScale)
}

// rawPriceYes is the unclamped softmax price of YES.
func (m *MarketMaker) rawPriceYes(qYes, qNo decimal.Decimal) float64 {
	bf := m.b.InexactFloat64()
	yOverB := qYes.InexactFloat64() / bf
	nOverB := qNo.InexactFloat64() / bf
	maxVal := math.Max(yOverB, nOverB)

	expYes := math.Exp(yOverB - maxVal)
	expNo := math.Exp(nOverB - maxVal)
	return expYes / (expYes + expNo)
}

// Price returns the instantaneous YES price
//
//	p_yes = exp(q_yes/b) / (exp(q_yes/b) + exp(q_no/b))
//
// clamped to [MinPrice, MaxPrice].
func (m *MarketMaker) Price(qYes, qNo decimal.Decimal) decimal.Decimal {
	result := decimal.NewFromFloat(m.rawPriceYes(qYes, qNo)).Round(PriceScale)
	if result.LessThan(MinPrice) {
		return MinPrice
	}
	if result.GreaterThan(MaxPrice) {
		return MaxPrice
	}
	return result
}

// PriceNo returns 1 - p_yes, so the pair always sums to exactly one.
func (m *MarketMaker) PriceNo(qYes, qNo decimal.Decimal) decimal.Decimal {
	return decimal.NewFromInt(1).Sub(m.Price(qYes, qNo))
}

// PriceOf returns the price of the given outcome.
func (m *MarketMaker) PriceOf(qYes, qNo decimal.Decimal, outcome model.Outcome) decimal.Decimal {
	if outcome == model.OutcomeNo {
		return m.PriceNo(qYes, qNo)
	}
	return m.Price(qYes, qNo)
}

// TradeCost is the cost of changing the YES pool by deltaYes:
//
//	C(q_yes + deltaYes, q_no) - C(q_yes, q_no)
//
// Positive for buys, negative (a payout) for sells.
func (m *MarketMaker) TradeCost(qYes, qNo, deltaYes decimal.Decimal) decimal.Decimal {
	return m.Cost(qYes.Add(deltaYes), qNo).Sub(m.Cost(qYes, qNo))
}

// TradeCostNo is the cost of changing the NO pool by deltaNo. C is
// symmetric in its arguments, so this is TradeCost with the pools swapped.
func (m *MarketMaker) TradeCostNo(qYes, qNo, deltaNo decimal.Decimal) decimal.Decimal {
	return m.TradeCost(qNo, qYes, deltaNo)
}

// FillPrice returns the average execution price per share, cost / delta.
// qFirst is the pool being traded.
func (m *MarketMaker) FillPrice(qFirst, qSecond, delta decimal.Decimal) decimal.Decimal {
	if delta.IsZero() {
		return m.Price(qFirst, qSecond)
	}
	return m.TradeCost(qFirst, qSecond, delta).Div(delta).Round(PriceScale)
}

// ValidateTrade checks a YES-side trade. Buying YES only raises its
// price, so a buy is refused when it would lift p_yes above MaxPrice.
// Sells are never refused: a holder can always unwind.
func (m *MarketMaker) ValidateTrade(qYes, qNo, deltaYes decimal.Decimal) error {
	if !deltaYes.IsPositive() {
		return nil
	}
	if m.rawPriceYes(qYes.Add(deltaYes), qNo) > MaxPrice.InexactFloat64() {
		return ErrPriceBoundExceeded
	}
	return nil
}

// ValidateTradeNo checks a NO-side trade: a buy is refused when it would
// drop p_yes below MinPrice (p_no above MaxPrice).
func (m *MarketMaker) ValidateTradeNo(qYes, qNo, deltaNo decimal.Decimal) error {
	if !deltaNo.IsPositive() {
		return nil
	}
	if m.rawPriceYes(qYes, qNo.Add(deltaNo)) < MinPrice.InexactFloat64() {
		return ErrPriceBoundExceeded
	}
	return nil
}

// Quote is the priced result of moving one pool by Delta shares.
type Quote struct {
	Outcome   model.Outcome
	Delta     decimal.Decimal // signed: +buy, -sell
	Cost      decimal.Decimal // signed: >0 paid by trader, <0 paid to trader
	FillPrice decimal.Decimal // |Cost| / |Delta|
	NewYes    decimal.Decimal
	NewNo     decimal.Decimal
	PriceYes  decimal.Decimal // after the trade
	PriceNo   decimal.Decimal
}

// NewPrice returns the post-trade price of the traded outcome.
func (q Quote) NewPrice() decimal.Decimal {
	if q.Outcome == model.OutcomeNo {
		return q.PriceNo
	}
	return q.PriceYes
}

// Quote prices a trade of delta shares on outcome against pools (qYes, qNo)
// and rejects a buy that would push the bought price above MaxPrice.
func (m *MarketMaker) Quote(qYes, qNo decimal.Decimal, outcome model.Outcome, delta decimal.Decimal) (Quote, error) {
	q := Quote{Outcome: outcome, Delta: delta}
	switch outcome {
	case model.OutcomeYes:
		if err := m.ValidateTrade(qYes, qNo, delta); err != nil {
			return q, err
		}
		q.Cost = m.TradeCost(qYes, qNo, delta)
		q.FillPrice = m.FillPrice(qYes, qNo, delta)
		q.NewYes, q.NewNo = qYes.Add(delta), qNo
	case model.OutcomeNo:
		if err := m.ValidateTradeNo(qYes, qNo, delta); err != nil {
			return q, err
		}
		q.Cost = m.TradeCostNo(qYes, qNo, delta)
		q.FillPrice = m.FillPrice(qNo, qYes, delta)
		q.NewYes, q.NewNo = qYes, qNo.Add(delta)
	default:
		return q, ErrInvalidOutcome
	}
	q.PriceYes = m.Price(q.NewYes, q.NewNo)
	q.PriceNo = m.PriceNo(q.NewYes, q.NewNo)
	return q, nil
}

// MaxLoss returns the market maker's worst-case subsidy, b * ln(2).
func (m *MarketMaker) MaxLoss() decimal.Decimal {
	return decimal.NewFromFloat(m.b.InexactFloat64() * math.Log(2)).Round(PriceScale)
}
