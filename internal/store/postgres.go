package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/vaultos/ledger-engine/internal/model"
)

// Schema creates the ledger tables. Money columns are NUMERIC for exact
// decimal precision.
const Schema = `
CREATE TABLE IF NOT EXISTS sessions (
    id               TEXT PRIMARY KEY,
    owner_address    TEXT        NOT NULL,
    deposit_amount   NUMERIC     NOT NULL,
    spent_amount     NUMERIC     NOT NULL DEFAULT 0,
    status           TEXT        NOT NULL,
    refund_requested BOOLEAN     NOT NULL DEFAULT FALSE,
    clearing_ref     TEXT        NOT NULL DEFAULT '',
    created_at       TIMESTAMPTZ NOT NULL,
    expires_at       TIMESTAMPTZ NOT NULL,
    closed_at        TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_sessions_owner ON sessions (lower(owner_address), created_at DESC);

CREATE TABLE IF NOT EXISTS balances (
    session_id      TEXT PRIMARY KEY REFERENCES sessions (id),
    active          NUMERIC     NOT NULL,
    idle            NUMERIC     NOT NULL DEFAULT 0,
    yield_accrued   NUMERIC     NOT NULL DEFAULT 0,
    reserved        NUMERIC     NOT NULL DEFAULT 0,
    credited        NUMERIC     NOT NULL DEFAULT 0,
    last_accrual_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS markets (
    id              TEXT PRIMARY KEY,
    question        TEXT        NOT NULL,
    end_time        TIMESTAMPTZ NOT NULL,
    status          TEXT        NOT NULL,
    winning_outcome TEXT        NOT NULL DEFAULT '',
    yes_pool        NUMERIC     NOT NULL,
    no_pool         NUMERIC     NOT NULL,
    liquidity       NUMERIC     NOT NULL,
    total_volume    NUMERIC     NOT NULL DEFAULT 0,
    created_at      TIMESTAMPTZ NOT NULL,
    resolved_at     TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS positions (
    user_address    TEXT        NOT NULL,
    market_id       TEXT        NOT NULL REFERENCES markets (id),
    outcome         TEXT        NOT NULL,
    shares          NUMERIC     NOT NULL,
    average_price   NUMERIC     NOT NULL,
    total_cost      NUMERIC     NOT NULL,
    last_session_id TEXT        NOT NULL,
    updated_at      TIMESTAMPTZ NOT NULL,
    PRIMARY KEY (user_address, market_id, outcome)
);

CREATE TABLE IF NOT EXISTS trades (
    id           TEXT PRIMARY KEY,
    session_id   TEXT        NOT NULL,
    user_address TEXT        NOT NULL,
    market_id    TEXT        NOT NULL,
    outcome      TEXT        NOT NULL,
    side         TEXT        NOT NULL,
    shares       NUMERIC     NOT NULL,
    price        NUMERIC     NOT NULL,
    cost         NUMERIC     NOT NULL,
    timestamp    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_market ON trades (market_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_trades_session ON trades (session_id, timestamp);

CREATE TABLE IF NOT EXISTS settlements (
    market_id       TEXT PRIMARY KEY REFERENCES markets (id),
    winning_outcome TEXT        NOT NULL,
    total_pool      NUMERIC     NOT NULL,
    winning_shares  NUMERIC     NOT NULL,
    payouts         JSONB       NOT NULL,
    distributed_at  TIMESTAMPTZ NOT NULL
);
`

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PostgresStore implements Store using PostgreSQL as the source of truth.
type PostgresStore struct {
	pool *pgxpool.Pool
	db   querier
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool, db: pool}
}

// Migrate applies Schema.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// WithTx executes fn within a transaction. If fn returns an error, the
// transaction is rolled back; otherwise it is committed.
func (s *PostgresStore) WithTx(ctx context.Context, fn func(tx Store) error) error {
	if s.pool == nil {
		// Already inside a transaction.
		return fn(s)
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(&PostgresStore{db: tx}); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil {
			return fmt.Errorf("rollback failed: %v (original error: %w)", rbErr, err)
		}
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func conflict(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrConflict
	}
	return err
}

func dec(s string) decimal.Decimal {
	d, _ := decimal.NewFromString(s)
	return d
}

// --- Sessions ---

const sessionColumns = `id, owner_address, deposit_amount::TEXT, spent_amount::TEXT, status,
        refund_requested, clearing_ref, created_at, expires_at, closed_at`

func scanSession(row pgx.Row) (*model.Session, error) {
	var s model.Session
	var deposit, spent string
	if err := row.Scan(&s.ID, &s.OwnerAddress, &deposit, &spent, &s.Status,
		&s.RefundRequested, &s.ClearingRef, &s.CreatedAt, &s.ExpiresAt, &s.ClosedAt); err != nil {
		return nil, err
	}
	s.DepositAmount = dec(deposit)
	s.SpentAmount = dec(spent)
	return &s, nil
}

func (s *PostgresStore) CreateSession(ctx context.Context, sess *model.Session, b *model.Balance) error {
	return s.WithTx(ctx, func(txs Store) error {
		tx := txs.(*PostgresStore)
		if _, err := tx.db.Exec(ctx,
			`INSERT INTO sessions (id, owner_address, deposit_amount, spent_amount, status,
			                       refund_requested, clearing_ref, created_at, expires_at, closed_at)
			 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6, $7, $8, $9, $10)`,
			sess.ID, sess.OwnerAddress, sess.DepositAmount.String(), sess.SpentAmount.String(),
			sess.Status, sess.RefundRequested, sess.ClearingRef,
			sess.CreatedAt, sess.ExpiresAt, sess.ClosedAt,
		); err != nil {
			return conflict(err)
		}
		_, err := tx.db.Exec(ctx,
			`INSERT INTO balances (session_id, active, idle, yield_accrued, reserved, credited, last_accrual_at)
			 VALUES ($1, $2::NUMERIC, $3::NUMERIC, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7)`,
			b.SessionID, b.Active.String(), b.Idle.String(), b.YieldAccrued.String(),
			b.Reserved.String(), b.Credited.String(), b.LastAccrualAt,
		)
		return err
	})
}

func (s *PostgresStore) GetSession(ctx context.Context, id string) (*model.Session, error) {
	sess, err := scanSession(s.db.QueryRow(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return sess, nil
}

func (s *PostgresStore) UpdateSession(ctx context.Context, sess *model.Session) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE sessions
		 SET spent_amount = $2::NUMERIC, status = $3, refund_requested = $4,
		     clearing_ref = $5, closed_at = $6
		 WHERE id = $1`,
		sess.ID, sess.SpentAmount.String(), sess.Status, sess.RefundRequested,
		sess.ClearingRef, sess.ClosedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListSessionsByOwner(ctx context.Context, owner string) ([]model.Session, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE lower(owner_address) = lower($1) ORDER BY created_at DESC`, owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sessions []model.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *sess)
	}
	return sessions, rows.Err()
}

func (s *PostgresStore) GetBalance(ctx context.Context, sessionID string) (*model.Balance, error) {
	var b model.Balance
	var active, idle, yield, reserved, credited string
	err := s.db.QueryRow(ctx,
		`SELECT session_id, active::TEXT, idle::TEXT, yield_accrued::TEXT,
		        reserved::TEXT, credited::TEXT, last_accrual_at
		 FROM balances WHERE session_id = $1`, sessionID).
		Scan(&b.SessionID, &active, &idle, &yield, &reserved, &credited, &b.LastAccrualAt)
	if err != nil {
		return nil, notFound(err)
	}
	b.Active = dec(active)
	b.Idle = dec(idle)
	b.YieldAccrued = dec(yield)
	b.Reserved = dec(reserved)
	b.Credited = dec(credited)
	return &b, nil
}

func (s *PostgresStore) UpdateBalance(ctx context.Context, b *model.Balance) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE balances
		 SET active = $2::NUMERIC, idle = $3::NUMERIC, yield_accrued = $4::NUMERIC,
		     reserved = $5::NUMERIC, credited = $6::NUMERIC, last_accrual_at = $7
		 WHERE session_id = $1`,
		b.SessionID, b.Active.String(), b.Idle.String(), b.YieldAccrued.String(),
		b.Reserved.String(), b.Credited.String(), b.LastAccrualAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- Markets ---

const marketColumns = `id, question, end_time, status, winning_outcome,
        yes_pool::TEXT, no_pool::TEXT, liquidity::TEXT, total_volume::TEXT,
        created_at, resolved_at`

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var winner, yesPool, noPool, liquidity, volume string
	if err := row.Scan(&m.ID, &m.Question, &m.EndTime, &m.Status, &winner,
		&yesPool, &noPool, &liquidity, &volume, &m.CreatedAt, &m.ResolvedAt); err != nil {
		return nil, err
	}
	m.WinningOutcome = model.Outcome(winner)
	m.YesPool = dec(yesPool)
	m.NoPool = dec(noPool)
	m.Liquidity = dec(liquidity)
	m.TotalVolume = dec(volume)
	return &m, nil
}

func (s *PostgresStore) CreateMarket(ctx context.Context, m *model.Market) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO markets (id, question, end_time, status, winning_outcome,
		                      yes_pool, no_pool, liquidity, total_volume, created_at, resolved_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10, $11)`,
		m.ID, m.Question, m.EndTime, m.Status, string(m.WinningOutcome),
		m.YesPool.String(), m.NoPool.String(), m.Liquidity.String(), m.TotalVolume.String(),
		m.CreatedAt, m.ResolvedAt,
	)
	return conflict(err)
}

func (s *PostgresStore) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	m, err := scanMarket(s.db.QueryRow(ctx,
		`SELECT `+marketColumns+` FROM markets WHERE id = $1`, id))
	if err != nil {
		return nil, notFound(err)
	}
	return m, nil
}

func (s *PostgresStore) UpdateMarket(ctx context.Context, m *model.Market) error {
	tag, err := s.db.Exec(ctx,
		`UPDATE markets
		 SET status = $2, winning_outcome = $3, yes_pool = $4::NUMERIC, no_pool = $5::NUMERIC,
		     total_volume = $6::NUMERIC, resolved_at = $7
		 WHERE id = $1`,
		m.ID, m.Status, string(m.WinningOutcome), m.YesPool.String(), m.NoPool.String(),
		m.TotalVolume.String(), m.ResolvedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) ListMarkets(ctx context.Context) ([]model.Market, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+marketColumns+` FROM markets ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

// --- Positions ---

const positionColumns = `user_address, market_id, outcome, shares::TEXT, average_price::TEXT,
        total_cost::TEXT, last_session_id, updated_at`

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var outcome, shares, avg, cost string
	if err := row.Scan(&p.UserAddress, &p.MarketID, &outcome, &shares, &avg, &cost,
		&p.LastSessionID, &p.UpdatedAt); err != nil {
		return nil, err
	}
	p.Outcome = model.Outcome(outcome)
	p.Shares = dec(shares)
	p.AveragePrice = dec(avg)
	p.TotalCost = dec(cost)
	return &p, nil
}

func (s *PostgresStore) GetPosition(ctx context.Context, user, marketID string, outcome model.Outcome) (*model.Position, error) {
	p, err := scanPosition(s.db.QueryRow(ctx,
		`SELECT `+positionColumns+` FROM positions
		 WHERE lower(user_address) = lower($1) AND market_id = $2 AND outcome = $3`,
		user, marketID, string(outcome)))
	if err != nil {
		return nil, notFound(err)
	}
	return p, nil
}

func (s *PostgresStore) UpsertPosition(ctx context.Context, p *model.Position) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO positions (user_address, market_id, outcome, shares, average_price,
		                        total_cost, last_session_id, updated_at)
		 VALUES ($1, $2, $3, $4::NUMERIC, $5::NUMERIC, $6::NUMERIC, $7, $8)
		 ON CONFLICT (user_address, market_id, outcome) DO UPDATE
		 SET shares = EXCLUDED.shares, average_price = EXCLUDED.average_price,
		     total_cost = EXCLUDED.total_cost, last_session_id = EXCLUDED.last_session_id,
		     updated_at = EXCLUDED.updated_at`,
		p.UserAddress, p.MarketID, string(p.Outcome), p.Shares.String(), p.AveragePrice.String(),
		p.TotalCost.String(), p.LastSessionID, p.UpdatedAt,
	)
	return err
}

func (s *PostgresStore) listPositions(ctx context.Context, where string, arg string) ([]model.Position, error) {
	rows, err := s.db.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE `+where+
			` ORDER BY market_id, user_address, outcome`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}

func (s *PostgresStore) ListPositionsByMarket(ctx context.Context, marketID string) ([]model.Position, error) {
	return s.listPositions(ctx, "market_id = $1", marketID)
}

func (s *PostgresStore) ListPositionsByUser(ctx context.Context, user string) ([]model.Position, error) {
	return s.listPositions(ctx, "lower(user_address) = lower($1)", user)
}

// --- Trades ---

func (s *PostgresStore) InsertTrade(ctx context.Context, t *model.Trade) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO trades (id, session_id, user_address, market_id, outcome, side,
		                     shares, price, cost, timestamp)
		 VALUES ($1, $2, $3, $4, $5, $6, $7::NUMERIC, $8::NUMERIC, $9::NUMERIC, $10)`,
		t.ID, t.SessionID, t.UserAddress, t.MarketID, string(t.Outcome), t.Side,
		t.Shares.String(), t.Price.String(), t.Cost.String(), t.Timestamp,
	)
	return err
}

func (s *PostgresStore) listTrades(ctx context.Context, where, arg string) ([]model.Trade, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id, session_id, user_address, market_id, outcome, side,
		        shares::TEXT, price::TEXT, cost::TEXT, timestamp
		 FROM trades WHERE `+where+` ORDER BY timestamp`, arg)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var t model.Trade
		var outcome, shares, price, cost string
		if err := rows.Scan(&t.ID, &t.SessionID, &t.UserAddress, &t.MarketID, &outcome, &t.Side,
			&shares, &price, &cost, &t.Timestamp); err != nil {
			return nil, err
		}
		t.Outcome = model.Outcome(outcome)
		t.Shares = dec(shares)
		t.Price = dec(price)
		t.Cost = dec(cost)
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

func (s *PostgresStore) ListTradesByMarket(ctx context.Context, marketID string) ([]model.Trade, error) {
	return s.listTrades(ctx, "market_id = $1", marketID)
}

func (s *PostgresStore) ListTradesBySession(ctx context.Context, sessionID string) ([]model.Trade, error) {
	return s.listTrades(ctx, "session_id = $1", sessionID)
}

// --- Settlements ---

func (s *PostgresStore) InsertSettlement(ctx context.Context, st *model.Settlement) error {
	payouts, err := json.Marshal(st.Payouts)
	if err != nil {
		return fmt.Errorf("encode payouts: %w", err)
	}
	_, err = s.db.Exec(ctx,
		`INSERT INTO settlements (market_id, winning_outcome, total_pool, winning_shares, payouts, distributed_at)
		 VALUES ($1, $2, $3::NUMERIC, $4::NUMERIC, $5, $6)`,
		st.MarketID, string(st.WinningOutcome), st.TotalPool.String(), st.WinningShares.String(),
		payouts, st.DistributedAt,
	)
	return conflict(err)
}

func (s *PostgresStore) GetSettlement(ctx context.Context, marketID string) (*model.Settlement, error) {
	var st model.Settlement
	var winner, pool, shares string
	var payouts []byte
	var distributed time.Time
	err := s.db.QueryRow(ctx,
		`SELECT market_id, winning_outcome, total_pool::TEXT, winning_shares::TEXT, payouts, distributed_at
		 FROM settlements WHERE market_id = $1`, marketID).
		Scan(&st.MarketID, &winner, &pool, &shares, &payouts, &distributed)
	if err != nil {
		return nil, notFound(err)
	}
	st.WinningOutcome = model.Outcome(winner)
	st.TotalPool = dec(pool)
	st.WinningShares = dec(shares)
	st.DistributedAt = distributed
	if err := json.Unmarshal(payouts, &st.Payouts); err != nil {
		return nil, fmt.Errorf("decode payouts: %w", err)
	}
	return &st, nil
}
