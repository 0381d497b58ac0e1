package store

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/vaultos/ledger-engine/internal/model"
)

type posKey struct {
	user     string
	marketID string
	outcome  model.Outcome
}

func keyOf(p *model.Position) posKey {
	return posKey{user: strings.ToLower(p.UserAddress), marketID: p.MarketID, outcome: p.Outcome}
}

// MemoryStore implements Store with in-memory maps. Used for tests and
// development. Not suitable for production (no persistence).
//
// Transactions buffer their writes in an overlay and apply them under the
// write lock on commit, so a failed operation leaves no trace.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]model.Session
	balances    map[string]model.Balance
	markets     map[string]model.Market
	positions   map[posKey]model.Position
	trades      []model.Trade
	settlements map[string]model.Settlement
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]model.Session),
		balances:    make(map[string]model.Balance),
		markets:     make(map[string]model.Market),
		positions:   make(map[posKey]model.Position),
		settlements: make(map[string]model.Settlement),
	}
}

func (s *MemoryStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	tx := &memTx{base: s}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

func (s *MemoryStore) view() *memTx { return &memTx{base: s} }

func (s *MemoryStore) CreateSession(ctx context.Context, sess *model.Session, b *model.Balance) error {
	return s.WithTx(ctx, func(tx Store) error { return tx.CreateSession(ctx, sess, b) })
}

func (s *MemoryStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	return s.view().GetSession(ctx, id)
}

func (s *MemoryStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	return s.WithTx(ctx, func(tx Store) error { return tx.UpdateSession(ctx, sess) })
}

func (s *MemoryStore) ListSessionsByOwner(ctx context.Context, owner string) ([]model.Session, error) {
	return s.view().ListSessionsByOwner(ctx, owner)
}

func (s *MemoryStore) GetBalance(ctx context.Context, sessionID string) (*model.Balance, error) {
	return s.view().GetBalance(ctx, sessionID)
}

func (s *MemoryStore) UpdateBalance(ctx context.Context, b *model.Balance) error {
	return s.WithTx(ctx, func(tx Store) error { return tx.UpdateBalance(ctx, b) })
}

func (s *MemoryStore) CreateMarket(ctx context.Context, m *model.Market) error {
	return s.WithTx(ctx, func(tx Store) error { return tx.CreateMarket(ctx, m) })
}

func (s *MemoryStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return s.view().GetMarket(ctx, id)
}

func (s *MemoryStore) UpdateMarket(ctx context.Context, m *model.Market) error {
	return s.WithTx(ctx, func(tx Store) error { return tx.UpdateMarket(ctx, m) })
}

func (s *MemoryStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.view().ListMarkets(ctx)
}

func (s *MemoryStore) GetPosition(ctx context.Context, user, marketID string, outcome model.Outcome) (*model.Position, error) {
	return s.view().GetPosition(ctx, user, marketID, outcome)
}

func (s *MemoryStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	return s.WithTx(ctx, func(tx Store) error { return tx.UpsertPosition(ctx, p) })
}

func (s *MemoryStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.view().ListPositionsByMarket(ctx, marketID)
}

func (s *MemoryStore) ListPositionsByUser(ctx context.Context, user string) ([]model.Position, error) {
	return s.view().ListPositionsByUser(ctx, user)
}

func (s *MemoryStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	return s.WithTx(ctx, func(tx Store) error { return tx.InsertTrade(ctx, t) })
}

func (s *MemoryStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	return s.view().ListTradesByMarket(ctx, marketID)
}

func (s *MemoryStore) ListTradesBySession(ctx context.Context, sessionID string) ([]model.Trade, error) {
	return s.view().ListTradesBySession(ctx, sessionID)
}

func (s *MemoryStore) InsertSettlement(ctx context.Context, st *model.Settlement) error {
	return s.WithTx(ctx, func(tx Store) error { return tx.InsertSettlement(ctx, st) })
}

func (s *MemoryStore) GetSettlement(ctx context.Context, marketID string) (*model.Settlement, error) {
	return s.view().GetSettlement(ctx, marketID)
}

// memTx is an overlay over MemoryStore. Reads see overlay writes first.
type memTx struct {
	base        *MemoryStore
	sessions    map[string]model.Session
	balances    map[string]model.Balance
	markets     map[string]model.Market
	positions   map[posKey]model.Position
	trades      []model.Trade
	settlements map[string]model.Settlement
}

func (t *memTx) WithTx(_ context.Context, fn func(tx Store) error) error {
	return fn(t)
}

func (t *memTx) commit() {
	t.base.mu.Lock()
	defer t.base.mu.Unlock()

	for k, v := range t.sessions {
		t.base.sessions[k] = v
	}
	for k, v := range t.balances {
		t.base.balances[k] = v
	}
	for k, v := range t.markets {
		t.base.markets[k] = v
	}
	for k, v := range t.positions {
		t.base.positions[k] = v
	}
	t.base.trades = append(t.base.trades, t.trades...)
	for k, v := range t.settlements {
		t.base.settlements[k] = v
	}
}

func (t *memTx) session(id string) (model.Session, bool) {
	if v, ok := t.sessions[id]; ok {
		return v, true
	}
	t.base.mu.RLock()
	defer t.base.mu.RUnlock()
	v, ok := t.base.sessions[id]
	return v, ok
}

func (t *memTx) CreateSession(_ context.Context, s *model.Session, b *model.Balance) error {
	if _, ok := t.session(s.ID); ok {
		return ErrConflict
	}
	if t.sessions == nil {
		t.sessions = make(map[string]model.Session)
	}
	if t.balances == nil {
		t.balances = make(map[string]model.Balance)
	}
	t.sessions[s.ID] = *s
	t.balances[b.SessionID] = *b
	return nil
}

func (t *memTx) GetSession(_ context.Context, id string) (*model.Session, error) {
	v, ok := t.session(id)
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (t *memTx) UpdateSession(_ context.Context, s *model.Session) error {
	if _, ok := t.session(s.ID); !ok {
		return ErrNotFound
	}
	if t.sessions == nil {
		t.sessions = make(map[string]model.Session)
	}
	t.sessions[s.ID] = *s
	return nil
}

func (t *memTx) ListSessionsByOwner(_ context.Context, owner string) ([]model.Session, error) {
	merged := make(map[string]model.Session)
	t.base.mu.RLock()
	for k, v := range t.base.sessions {
		merged[k] = v
	}
	t.base.mu.RUnlock()
	for k, v := range t.sessions {
		merged[k] = v
	}

	var result []model.Session
	for _, v := range merged {
		if strings.EqualFold(v.OwnerAddress, owner) {
			result = append(result, v)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if !result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].CreatedAt.After(result[j].CreatedAt)
		}
		return result[i].ID > result[j].ID
	})
	return result, nil
}

func (t *memTx) GetBalance(_ context.Context, sessionID string) (*model.Balance, error) {
	if v, ok := t.balances[sessionID]; ok {
		return &v, nil
	}
	t.base.mu.RLock()
	defer t.base.mu.RUnlock()
	v, ok := t.base.balances[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (t *memTx) UpdateBalance(ctx context.Context, b *model.Balance) error {
	if _, err := t.GetBalance(ctx, b.SessionID); err != nil {
		return err
	}
	if t.balances == nil {
		t.balances = make(map[string]model.Balance)
	}
	t.balances[b.SessionID] = *b
	return nil
}

func (t *memTx) CreateMarket(ctx context.Context, m *model.Market) error {
	if _, err := t.GetMarket(ctx, m.ID); err == nil {
		return ErrConflict
	}
	if t.markets == nil {
		t.markets = make(map[string]model.Market)
	}
	t.markets[m.ID] = *m
	return nil
}

func (t *memTx) GetMarket(_ context.Context, id string) (*model.Market, error) {
	if v, ok := t.markets[id]; ok {
		return &v, nil
	}
	t.base.mu.RLock()
	defer t.base.mu.RUnlock()
	v, ok := t.base.markets[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (t *memTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	if _, err := t.GetMarket(ctx, m.ID); err != nil {
		return err
	}
	if t.markets == nil {
		t.markets = make(map[string]model.Market)
	}
	t.markets[m.ID] = *m
	return nil
}

func (t *memTx) ListMarkets(_ context.Context) ([]model.Market, error) {
	merged := make(map[string]model.Market)
	t.base.mu.RLock()
	for k, v := range t.base.markets {
		merged[k] = v
	}
	t.base.mu.RUnlock()
	for k, v := range t.markets {
		merged[k] = v
	}

	markets := make([]model.Market, 0, len(merged))
	for _, m := range merged {
		markets = append(markets, m)
	}
	sort.Slice(markets, func(i, j int) bool {
		if !markets[i].CreatedAt.Equal(markets[j].CreatedAt) {
			return markets[i].CreatedAt.After(markets[j].CreatedAt)
		}
		return markets[i].ID < markets[j].ID
	})
	return markets, nil
}

func (t *memTx) GetPosition(_ context.Context, user, marketID string, outcome model.Outcome) (*model.Position, error) {
	k := posKey{user: strings.ToLower(user), marketID: marketID, outcome: outcome}
	if v, ok := t.positions[k]; ok {
		return &v, nil
	}
	t.base.mu.RLock()
	defer t.base.mu.RUnlock()
	v, ok := t.base.positions[k]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (t *memTx) UpsertPosition(_ context.Context, p *model.Position) error {
	if t.positions == nil {
		t.positions = make(map[posKey]model.Position)
	}
	t.positions[keyOf(p)] = *p
	return nil
}

func (t *memTx) listPositions(match func(model.Position) bool) []model.Position {
	merged := make(map[posKey]model.Position)
	t.base.mu.RLock()
	for k, v := range t.base.positions {
		merged[k] = v
	}
	t.base.mu.RUnlock()
	for k, v := range t.positions {
		merged[k] = v
	}

	var result []model.Position
	for _, p := range merged {
		if match(p) {
			result = append(result, p)
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].MarketID != result[j].MarketID {
			return result[i].MarketID < result[j].MarketID
		}
		if result[i].UserAddress != result[j].UserAddress {
			return result[i].UserAddress < result[j].UserAddress
		}
		return result[i].Outcome < result[j].Outcome
	})
	return result
}

func (t *memTx) ListPositionsByMarket(_ context.Context, marketID string) ([]model.Position, error) {
	return t.listPositions(func(p model.Position) bool { return p.MarketID == marketID }), nil
}

func (t *memTx) ListPositionsByUser(_ context.Context, user string) ([]model.Position, error) {
	return t.listPositions(func(p model.Position) bool { return strings.EqualFold(p.UserAddress, user) }), nil
}

func (t *memTx) InsertTrade(_ context.Context, tr *model.Trade) error {
	t.trades = append(t.trades, *tr)
	return nil
}

func (t *memTx) listTrades(match func(model.Trade) bool) []model.Trade {
	var result []model.Trade
	t.base.mu.RLock()
	for _, tr := range t.base.trades {
		if match(tr) {
			result = append(result, tr)
		}
	}
	t.base.mu.RUnlock()
	for _, tr := range t.trades {
		if match(tr) {
			result = append(result, tr)
		}
	}
	return result
}

func (t *memTx) ListTradesByMarket(_ context.Context, marketID string) ([]model.Trade, error) {
	return t.listTrades(func(tr model.Trade) bool { return tr.MarketID == marketID }), nil
}

func (t *memTx) ListTradesBySession(_ context.Context, sessionID string) ([]model.Trade, error) {
	return t.listTrades(func(tr model.Trade) bool { return tr.SessionID == sessionID }), nil
}

func (t *memTx) InsertSettlement(ctx context.Context, s *model.Settlement) error {
	if _, err := t.GetSettlement(ctx, s.MarketID); err == nil {
		return ErrConflict
	}
	if t.settlements == nil {
		t.settlements = make(map[string]model.Settlement)
	}
	cp := *s
	cp.Payouts = append([]model.Payout(nil), s.Payouts...)
	t.settlements[s.MarketID] = cp
	return nil
}

func (t *memTx) GetSettlement(_ context.Context, marketID string) (*model.Settlement, error) {
	if v, ok := t.settlements[marketID]; ok {
		return &v, nil
	}
	t.base.mu.RLock()
	defer t.base.mu.RUnlock()
	v, ok := t.base.settlements[marketID]
	if !ok {
		return nil, ErrNotFound
	}
	v.Payouts = append([]model.Payout(nil), v.Payouts...)
	return &v, nil
}
