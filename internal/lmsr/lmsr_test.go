package lmsr

import (
	"math"
	"math/rand"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/vaultos/ledger-engine/internal/model"
)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

// book is a market maker together with freshly seeded pools.
type book struct {
	mm      *MarketMaker
	yes, no decimal.Decimal
}

func seeded(t *testing.T, liquidity float64) book {
	t.Helper()
	mm, err := NewMarketMaker(d(liquidity))
	if err != nil {
		t.Fatalf("NewMarketMaker(%v): %v", liquidity, err)
	}
	yes, no := SeedPools(d(liquidity))
	return book{mm: mm, yes: yes, no: no}
}

// liquidities covers a shallow, a default-sized and a deep market.
var liquidities = []float64{10, 100, 5000}

func TestNewMarketMaker(t *testing.T) {
	for _, b := range []float64{0, -5} {
		if _, err := NewMarketMaker(d(b)); err != ErrInvalidLiquidity {
			t.Errorf("b=%v: expected ErrInvalidLiquidity, got %v", b, err)
		}
	}
	mm, err := NewMarketMaker(d(42))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !mm.B().Equal(d(42)) {
		t.Errorf("B() = %s", mm.B())
	}
}

func TestSeededMarkets_OpenAtHalf(t *testing.T) {
	for _, liq := range liquidities {
		bk := seeded(t, liq)
		if !bk.yes.Add(bk.no).Equal(d(liq)) || !bk.yes.Equal(bk.no) {
			t.Errorf("liquidity %v: pools %s/%s", liq, bk.yes, bk.no)
		}
		if p := bk.mm.Price(bk.yes, bk.no); !p.Equal(d(0.5)) {
			t.Errorf("liquidity %v: opening price %s", liq, p)
		}
		if !bk.mm.PriceOf(bk.yes, bk.no, model.OutcomeNo).Equal(d(0.5)) {
			t.Errorf("liquidity %v: opening NO price", liq)
		}
	}
}

func TestPrice_MovesWithTrades(t *testing.T) {
	one := decimal.NewFromInt(1)
	tests := []struct {
		name      string
		liquidity float64
		yes, no   float64 // shares added to each pool
		yesHigher bool
	}{
		{"shallow yes buy", 10, 4, 0, true},
		{"shallow no buy", 10, 0, 4, false},
		{"deep yes buy", 5000, 300, 0, true},
		{"deep no buy", 5000, 0, 300, false},
		{"both sides, yes heavier", 100, 30, 10, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bk := seeded(t, tt.liquidity)
			qYes, qNo := bk.yes.Add(d(tt.yes)), bk.no.Add(d(tt.no))
			p := bk.mm.Price(qYes, qNo)
			if p.GreaterThan(d(0.5)) != tt.yesHigher {
				t.Errorf("p_yes = %s", p)
			}
			if sum := p.Add(bk.mm.PriceNo(qYes, qNo)); !sum.Equal(one) {
				t.Errorf("prices sum to %s", sum)
			}
		})
	}
}

func TestPriceImpact_DiminishesWithLiquidity(t *testing.T) {
	prev := d(1)
	for _, liq := range liquidities {
		bk := seeded(t, liq)
		q, err := bk.mm.Quote(bk.yes, bk.no, model.OutcomeYes, d(5))
		if err != nil {
			t.Fatalf("liquidity %v: %v", liq, err)
		}
		if !q.PriceYes.LessThan(prev) {
			t.Errorf("liquidity %v moved to %s, not below %s", liq, q.PriceYes, prev)
		}
		prev = q.PriceYes
	}
}

func TestTradeCost(t *testing.T) {
	for _, liq := range liquidities {
		bk := seeded(t, liq)
		mm, yes, no := bk.mm, bk.yes, bk.no

		buy := mm.TradeCost(yes, no, d(10))
		if !buy.IsPositive() {
			t.Errorf("liquidity %v: buy cost %s", liq, buy)
		}
		if sell := mm.TradeCost(yes, no, d(-10)); !sell.IsNegative() {
			t.Errorf("liquidity %v: sell cost %s", liq, sell)
		}
		// Seeded pools are equal, so the NO side prices identically.
		if noBuy := mm.TradeCostNo(yes, no, d(10)); !noBuy.Equal(buy) {
			t.Errorf("liquidity %v: NO buy %s, YES buy %s", liq, noBuy, buy)
		}

		// Path independence: two legs cost the same as one.
		legs := mm.TradeCost(yes, no, d(4)).Add(mm.TradeCost(yes.Add(d(4)), no, d(6)))
		if legs.Sub(buy).Abs().GreaterThan(d(0.0000001)) {
			t.Errorf("liquidity %v: legs %s vs direct %s", liq, legs, buy)
		}

		// Convexity: each further share costs more.
		first := mm.TradeCost(yes, no, d(10))
		second := mm.TradeCost(yes.Add(d(10)), no, d(10))
		if !second.GreaterThan(first) {
			t.Errorf("liquidity %v: second tranche %s not above first %s", liq, second, first)
		}
	}
}

func TestMaxLoss(t *testing.T) {
	for _, liq := range liquidities {
		bk := seeded(t, liq)
		want := d(liq * math.Ln2).Round(PriceScale)
		if got := bk.mm.MaxLoss(); got.Sub(want).Abs().GreaterThan(d(0.00000001)) {
			t.Errorf("liquidity %v: MaxLoss %s, want %s", liq, got, want)
		}
		// However far YES is bought, the maker's loss stays under the bound.
		payout := d(100)
		cost := bk.mm.TradeCost(bk.yes, bk.no, payout)
		if loss := payout.Sub(cost); loss.GreaterThan(bk.mm.MaxLoss()) {
			t.Errorf("liquidity %v: loss %s above bound", liq, loss)
		}
	}
}

func TestPrice_ExtremePoolsClamp(t *testing.T) {
	mm, _ := NewMarketMaker(d(1))
	tests := []struct {
		name    string
		yes, no float64
		want    decimal.Decimal
	}{
		{"yes overwhelms", 1e6, 0, MaxPrice},
		{"no overwhelms", 0, 1e6, MinPrice},
		{"both huge", 1e6, 1e6, d(0.5)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if p := mm.Price(d(tt.yes), d(tt.no)); !p.Equal(tt.want) {
				t.Errorf("price %s, want %s", p, tt.want)
			}
			c := mm.Cost(d(tt.yes), d(tt.no))
			if f := c.InexactFloat64(); math.IsInf(f, 0) || math.IsNaN(f) {
				t.Errorf("cost overflowed: %s", c)
			}
		})
	}
}

func TestQuote_PriceBounds(t *testing.T) {
	// With b = 10 the YES ceiling sits about 69 shares above a balanced
	// book; (5, 74) leaves YES just above its floor.
	tests := []struct {
		name    string
		yes, no float64
		outcome model.Outcome
		delta   float64
		wantErr error
	}{
		{"moderate yes buy", 5, 5, model.OutcomeYes, 50, nil},
		{"yes buy past ceiling", 5, 5, model.OutcomeYes, 1000, ErrPriceBoundExceeded},
		{"no buy past ceiling", 5, 5, model.OutcomeNo, 1000, ErrPriceBoundExceeded},
		{"massive yes sell", 5, 5, model.OutcomeYes, -100000, nil},
		{"massive no sell", 5, 5, model.OutcomeNo, -100000, nil},
		{"yes holder exits near floor", 5, 74, model.OutcomeYes, -5, nil},
		{"no buy near floor", 5, 74, model.OutcomeNo, 5, ErrPriceBoundExceeded},
		{"yes buy off the floor", 0, 80, model.OutcomeYes, 3, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			bk := seeded(t, 10)
			q, err := bk.mm.Quote(d(tt.yes), d(tt.no), tt.outcome, d(tt.delta))
			if err != tt.wantErr {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			if err != nil {
				return
			}
			if q.PriceYes.LessThan(MinPrice) || q.PriceYes.GreaterThan(MaxPrice) {
				t.Errorf("quoted price %s outside bounds", q.PriceYes)
			}
			if tt.delta < 0 && !q.Cost.IsNegative() {
				t.Errorf("sell should pay out, cost %s", q.Cost)
			}
		})
	}
}

func TestQuote_Fills(t *testing.T) {
	for _, liq := range liquidities {
		bk := seeded(t, liq)
		for _, outcome := range []model.Outcome{model.OutcomeYes, model.OutcomeNo} {
			buy, err := bk.mm.Quote(bk.yes, bk.no, outcome, d(8))
			if err != nil {
				t.Fatalf("liquidity %v %s: %v", liq, outcome, err)
			}
			// The fill is the average along the curve, so it lies between the
			// opening and closing price of the bought side.
			if !buy.FillPrice.GreaterThan(d(0.5)) || !buy.FillPrice.LessThan(buy.NewPrice()) {
				t.Errorf("liquidity %v %s: fill %s outside (0.5, %s)", liq, outcome, buy.FillPrice, buy.NewPrice())
			}

			sell, err := bk.mm.Quote(buy.NewYes, buy.NewNo, outcome, d(-8))
			if err != nil {
				t.Fatalf("liquidity %v %s: %v", liq, outcome, err)
			}
			if !sell.NewYes.Equal(bk.yes) || !sell.NewNo.Equal(bk.no) {
				t.Errorf("liquidity %v %s: pools not restored", liq, outcome)
			}
			if buy.Cost.Add(sell.Cost).Abs().GreaterThan(d(0.0000001)) {
				t.Errorf("liquidity %v %s: round trip %s + %s", liq, outcome, buy.Cost, sell.Cost)
			}
			if !sell.FillPrice.IsPositive() {
				t.Errorf("liquidity %v %s: sell fill %s", liq, outcome, sell.FillPrice)
			}
		}
		if p := bk.mm.FillPrice(bk.yes, bk.no, decimal.Zero); !p.Equal(d(0.5)) {
			t.Errorf("liquidity %v: zero-size fill %s", liq, p)
		}
	}
}

func TestQuote_InvalidOutcome(t *testing.T) {
	bk := seeded(t, 10)
	if _, err := bk.mm.Quote(bk.yes, bk.no, model.Outcome("MAYBE"), d(1)); err != ErrInvalidOutcome {
		t.Errorf("expected ErrInvalidOutcome, got %v", err)
	}
}

func TestLogSumExp(t *testing.T) {
	tests := []struct {
		name string
		in   []float64
		want float64
	}{
		{"single", []float64{3}, 3},
		{"equal pair", []float64{2, 2}, 2 + math.Ln2},
		{"large values", []float64{1000, 1000}, 1000 + math.Ln2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := logSumExp(tt.in); math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("logSumExp(%v) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
	if got := logSumExp(nil); !math.IsInf(got, -1) {
		t.Errorf("empty input: %v", got)
	}
}

func TestQuote_RandomSequencesKeepPricesInside(t *testing.T) {
	one := decimal.NewFromInt(1)
	for _, liq := range liquidities {
		bk := seeded(t, liq)
		rng := rand.New(rand.NewSource(7))
		yes, no := bk.yes, bk.no

		for i := 0; i < 500; i++ {
			outcome := model.OutcomeYes
			if rng.Intn(2) == 0 {
				outcome = model.OutcomeNo
			}
			delta := d(float64(rng.Intn(40) - 15))
			if delta.IsZero() {
				continue
			}
			q, err := bk.mm.Quote(yes, no, outcome, delta)
			if err == ErrPriceBoundExceeded {
				continue
			}
			if err != nil {
				t.Fatalf("liquidity %v step %d: %v", liq, i, err)
			}
			yes, no = q.NewYes, q.NewNo

			if q.PriceYes.LessThan(MinPrice) || q.PriceYes.GreaterThan(MaxPrice) {
				t.Fatalf("liquidity %v step %d: YES price %s", liq, i, q.PriceYes)
			}
			if !q.PriceYes.Add(q.PriceNo).Equal(one) {
				t.Fatalf("liquidity %v step %d: prices sum to %s", liq, i, q.PriceYes.Add(q.PriceNo))
			}
		}
	}
}
