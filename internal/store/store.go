// Package store defines the persistence interface for the ledger engine.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache) and in-memory (development and tests).
package store

import (
	"context"
	"errors"

	"github.com/vaultos/ledger-engine/internal/model"
)

// ErrNotFound is returned by every Get* method when the key is absent.
var ErrNotFound = errors.New("store: not found")

// ErrConflict is returned when a create would overwrite an existing key.
var ErrConflict = errors.New("store: already exists")

// Store is the persistence interface. Business logic never touches a
// concrete backend; callers hold the entity locks and group writes with
// WithTx.
type Store interface {
	// WithTx runs fn against a transactional view of the store. If fn
	// returns an error none of its writes become visible.
	WithTx(ctx context.Context, fn func(tx Store) error) error

	// --- Sessions ---

	CreateSession(ctx context.Context, s *model.Session, b *model.Balance) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	UpdateSession(ctx context.Context, s *model.Session) error
	ListSessionsByOwner(ctx context.Context, owner string) ([]model.Session, error)

	GetBalance(ctx context.Context, sessionID string) (*model.Balance, error)
	UpdateBalance(ctx context.Context, b *model.Balance) error

	// --- Markets ---

	CreateMarket(ctx context.Context, m *model.Market) error
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	UpdateMarket(ctx context.Context, m *model.Market) error
	ListMarkets(ctx context.Context) ([]model.Market, error)

	// --- Positions ---

	GetPosition(ctx context.Context, user, marketID string, outcome model.Outcome) (*model.Position, error)
	UpsertPosition(ctx context.Context, p *model.Position) error
	ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error)
	ListPositionsByUser(ctx context.Context, user string) ([]model.Position, error)

	// --- Immutable logs ---

	InsertTrade(ctx context.Context, t *model.Trade) error
	ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error)
	ListTradesBySession(ctx context.Context, sessionID string) ([]model.Trade, error)

	// InsertSettlement fails with ErrConflict if the market already has one.
	InsertSettlement(ctx context.Context, s *model.Settlement) error
	GetSettlement(ctx context.Context, marketID string) (*model.Settlement, error)
}
