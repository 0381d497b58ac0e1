package ledger_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/vaultos/ledger-engine/internal/ledger"
	"github.com/vaultos/ledger-engine/internal/model"
	"github.com/vaultos/ledger-engine/internal/store"
)

const (
	alice = "0x1111111111111111111111111111111111111111"
	bob   = "0x2222222222222222222222222222222222222222"
	carol = "0x3333333333333333333333333333333333333333"
)

var epoch = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func d(f float64) decimal.Decimal {
	return decimal.NewFromFloat(f)
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(dur time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(dur)
}

type fixture struct {
	*ledger.Ledger
	clock *fakeClock
	store *store.MemoryStore
}

func newFixture(t *testing.T, mutate func(*ledger.Config), opts ...ledger.Option) *fixture {
	t.Helper()
	cfg := ledger.DefaultConfig()
	cfg.ClearingTimeout = 50 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	clk := &fakeClock{t: epoch}
	st := store.NewMemoryStore()
	opts = append([]ledger.Option{ledger.WithClock(clk.Now)}, opts...)
	return &fixture{Ledger: ledger.New(st, cfg, opts...), clock: clk, store: st}
}

func (f *fixture) session(t *testing.T, owner string, deposit float64) *model.Session {
	t.Helper()
	s, err := f.Sessions.Create(context.Background(), owner, d(deposit))
	require.NoError(t, err)
	return s
}

func (f *fixture) market(t *testing.T, liquidity float64) *ledger.MarketView {
	t.Helper()
	m, err := f.Markets.Create(context.Background(), "Will it rain tomorrow?", epoch.Add(24*time.Hour), d(liquidity))
	require.NoError(t, err)
	return m
}

func (f *fixture) balance(t *testing.T, sessionID string) *model.Balance {
	t.Helper()
	b, err := f.Balances.Get(context.Background(), sessionID)
	require.NoError(t, err)
	return b
}

// requireConserved checks
//
//	active + idle + reserved == deposit - spent + yieldAccrued + credited
//
// and that every tier is non-negative.
func (f *fixture) requireConserved(t *testing.T, sessionID string) {
	t.Helper()
	ctx := context.Background()
	s, err := f.Sessions.Get(ctx, sessionID)
	require.NoError(t, err)
	b := f.balance(t, sessionID)

	want := s.DepositAmount.Sub(s.SpentAmount).Add(b.YieldAccrued).Add(b.Credited)
	require.True(t, b.Total().Equal(want),
		"tiers %s != deposit-spent+yield+credited %s (active=%s idle=%s reserved=%s)",
		b.Total(), want, b.Active, b.Idle, b.Reserved)
	for name, v := range map[string]decimal.Decimal{
		"active": b.Active, "idle": b.Idle, "reserved": b.Reserved, "yield": b.YieldAccrued,
	} {
		require.False(t, v.IsNegative(), "%s is negative: %s", name, v)
	}
}

type recordingNotifier struct {
	mu     sync.Mutex
	events []ledger.Event
}

func (n *recordingNotifier) Notify(ev ledger.Event) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.events = append(n.events, ev)
}

func (n *recordingNotifier) types() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.events))
	for _, ev := range n.events {
		out = append(out, ev.Type)
	}
	return out
}
