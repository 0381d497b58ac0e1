package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/vaultos/ledger-engine/internal/model"
)

// CachedStore wraps a primary Store (PostgreSQL) with a Redis read-through
// cache for sessions, balances and markets. Writes go to the primary store
// and invalidate the cache; reads check Redis first then fall back to the
// primary.
//
// Inside WithTx every read goes to the transaction, and invalidation is
// deferred until the transaction has finished.
type CachedStore struct {
	primary Store
	rdb     *redis.Client
	ttl     time.Duration

	// dirty is non-nil only for the transactional view.
	dirty *[]string
}

// NewCachedStore creates a cached wrapper around a primary store.
func NewCachedStore(primary Store, rdb *redis.Client, ttl time.Duration) *CachedStore {
	return &CachedStore{
		primary: primary,
		rdb:     rdb,
		ttl:     ttl,
	}
}

func (s *CachedStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.dirty != nil {
		return fn(s)
	}
	var dirty []string
	err := s.primary.WithTx(ctx, func(tx Store) error {
		return fn(&CachedStore{primary: tx, rdb: s.rdb, ttl: s.ttl, dirty: &dirty})
	})
	// Invalidate even on rollback; a concurrent reader may have cached a
	// value between our write and the rollback.
	if len(dirty) > 0 {
		s.rdb.Del(ctx, dirty...)
	}
	return err
}

func (s *CachedStore) invalidate(ctx context.Context, keys ...string) {
	if s.dirty != nil {
		*s.dirty = append(*s.dirty, keys...)
		return
	}
	s.rdb.Del(ctx, keys...)
}

// readThrough returns the cached value at key, or calls load and caches its
// result. Transactional views always call load.
func readThrough[T any](ctx context.Context, s *CachedStore, key string, load func() (*T, error)) (*T, error) {
	if s.dirty != nil {
		return load()
	}

	// Try cache.
	data, err := s.rdb.Get(ctx, key).Bytes()
	if err == nil {
		var v T
		if json.Unmarshal(data, &v) == nil {
			return &v, nil
		}
	}

	// Cache miss: read from primary.
	v, err := load()
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(v); err == nil {
		s.rdb.Set(ctx, key, data, s.ttl)
	}
	return v, nil
}

// --- Sessions ---

func (s *CachedStore) CreateSession(ctx context.Context, sess *model.Session, b *model.Balance) error {
	if err := s.primary.CreateSession(ctx, sess, b); err != nil {
		return err
	}
	s.invalidate(ctx, sessionKey(sess.ID), balanceKey(b.SessionID))
	return nil
}

func (s *CachedStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	return readThrough(ctx, s, sessionKey(id), func() (*model.Session, error) {
		return s.primary.GetSession(ctx, id)
	})
}

func (s *CachedStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	if err := s.primary.UpdateSession(ctx, sess); err != nil {
		return err
	}
	s.invalidate(ctx, sessionKey(sess.ID))
	return nil
}

func (s *CachedStore) GetBalance(ctx context.Context, sessionID string) (*model.Balance, error) {
	return readThrough(ctx, s, balanceKey(sessionID), func() (*model.Balance, error) {
		return s.primary.GetBalance(ctx, sessionID)
	})
}

func (s *CachedStore) UpdateBalance(ctx context.Context, b *model.Balance) error {
	if err := s.primary.UpdateBalance(ctx, b); err != nil {
		return err
	}
	s.invalidate(ctx, balanceKey(b.SessionID))
	return nil
}

// --- Markets ---

func (s *CachedStore) CreateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.CreateMarket(ctx, m); err != nil {
		return err
	}
	s.invalidate(ctx, marketKey(m.ID))
	return nil
}

func (s *CachedStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	return readThrough(ctx, s, marketKey(id), func() (*model.Market, error) {
		return s.primary.GetMarket(ctx, id)
	})
}

func (s *CachedStore) UpdateMarket(ctx context.Context, m *model.Market) error {
	if err := s.primary.UpdateMarket(ctx, m); err != nil {
		return err
	}
	s.invalidate(ctx, marketKey(m.ID))
	return nil
}

// --- Passthrough (not cached) ---

func (s *CachedStore) ListSessionsByOwner(ctx context.Context, owner string) ([]model.Session, error) {
	return s.primary.ListSessionsByOwner(ctx, owner)
}

func (s *CachedStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	return s.primary.ListMarkets(ctx)
}

func (s *CachedStore) GetPosition(ctx context.Context, user, marketID string, outcome model.Outcome) (*model.Position, error) {
	return s.primary.GetPosition(ctx, user, marketID, outcome)
}

func (s *CachedStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	return s.primary.UpsertPosition(ctx, p)
}

func (s *CachedStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.primary.ListPositionsByMarket(ctx, marketID)
}

func (s *CachedStore) ListPositionsByUser(ctx context.Context, user string) ([]model.Position, error) {
	return s.primary.ListPositionsByUser(ctx, user)
}

func (s *CachedStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	return s.primary.InsertTrade(ctx, t)
}

func (s *CachedStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	return s.primary.ListTradesByMarket(ctx, marketID)
}

func (s *CachedStore) ListTradesBySession(ctx context.Context, sessionID string) ([]model.Trade, error) {
	return s.primary.ListTradesBySession(ctx, sessionID)
}

func (s *CachedStore) InsertSettlement(ctx context.Context, st *model.Settlement) error {
	return s.primary.InsertSettlement(ctx, st)
}

func (s *CachedStore) GetSettlement(ctx context.Context, marketID string) (*model.Settlement, error) {
	return s.primary.GetSettlement(ctx, marketID)
}

func sessionKey(id string) string { return fmt.Sprintf("session:%s", id) }
func balanceKey(id string) string { return fmt.Sprintf("balance:%s", id) }
func marketKey(id string) string  { return fmt.Sprintf("market:%s", id) }
