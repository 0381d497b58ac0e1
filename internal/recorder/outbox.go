// Package recorder publishes committed settlements to an external ledger.
//
// Settlements are first written to a local SQLite outbox so that resolving
// a market never waits on the external ledger; a Relay drains the outbox
// through a rate-limited Publisher and retries until delivery succeeds.
package recorder

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/vaultos/ledger-engine/internal/metrics"
	"github.com/vaultos/ledger-engine/internal/model"
)

const schema = `
CREATE TABLE IF NOT EXISTS settlement_outbox (
    market_id     TEXT PRIMARY KEY,
    payload       TEXT     NOT NULL,
    recorded_at   DATETIME NOT NULL,
    attempts      INTEGER  NOT NULL DEFAULT 0,
    last_error    TEXT,
    published_at  DATETIME
);

CREATE INDEX IF NOT EXISTS idx_outbox_pending ON settlement_outbox(published_at, recorded_at);
`

// Entry is one outbox row.
type Entry struct {
	MarketID    string
	Settlement  *model.Settlement
	RecordedAt  time.Time
	Attempts    int
	LastError   string
	PublishedAt *time.Time
}

// Outbox is a durable queue of settlements awaiting publication. It
// implements ledger.Recorder.
type Outbox struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (or creates) the outbox database at path. ":memory:" keeps it
// in memory.
func Open(path string) (*Outbox, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("recorder.Open: open %q: %w", path, err)
	}
	// SQLite is single-writer; one connection also keeps ":memory:" shared.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("recorder.Open: apply schema: %w", err)
	}
	o := &Outbox{db: db, now: time.Now}
	o.refreshBacklog(context.Background())
	return o, nil
}

// Close closes the database.
func (o *Outbox) Close() error {
	return o.db.Close()
}

// Record enqueues s. Recording the same market twice keeps the first entry.
func (o *Outbox) Record(ctx context.Context, s *model.Settlement) error {
	payload, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode settlement %s: %w", s.MarketID, err)
	}
	_, err = o.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO settlement_outbox (market_id, payload, recorded_at) VALUES (?, ?, ?)`,
		s.MarketID, string(payload), o.now().UTC())
	if err != nil {
		return fmt.Errorf("enqueue settlement %s: %w", s.MarketID, err)
	}
	o.refreshBacklog(ctx)
	return nil
}

// Pending returns up to limit unpublished entries, oldest first.
func (o *Outbox) Pending(ctx context.Context, limit int) ([]Entry, error) {
	rows, err := o.db.QueryContext(ctx, `
		SELECT market_id, payload, recorded_at, attempts, COALESCE(last_error, '')
		FROM settlement_outbox
		WHERE published_at IS NULL
		ORDER BY recorded_at, market_id
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query pending: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var payload string
		if err := rows.Scan(&e.MarketID, &payload, &e.RecordedAt, &e.Attempts, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan pending: %w", err)
		}
		e.Settlement = new(model.Settlement)
		if err := json.Unmarshal([]byte(payload), e.Settlement); err != nil {
			return nil, fmt.Errorf("decode settlement %s: %w", e.MarketID, err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Get returns the entry for a market.
func (o *Outbox) Get(ctx context.Context, marketID string) (*Entry, error) {
	var e Entry
	var payload string
	var published sql.NullTime
	err := o.db.QueryRowContext(ctx, `
		SELECT market_id, payload, recorded_at, attempts, COALESCE(last_error, ''), published_at
		FROM settlement_outbox WHERE market_id = ?`, marketID).
		Scan(&e.MarketID, &payload, &e.RecordedAt, &e.Attempts, &e.LastError, &published)
	if err != nil {
		return nil, fmt.Errorf("get outbox entry %s: %w", marketID, err)
	}
	e.Settlement = new(model.Settlement)
	if err := json.Unmarshal([]byte(payload), e.Settlement); err != nil {
		return nil, fmt.Errorf("decode settlement %s: %w", marketID, err)
	}
	if published.Valid {
		t := published.Time
		e.PublishedAt = &t
	}
	return &e, nil
}

// MarkPublished records a successful delivery.
func (o *Outbox) MarkPublished(ctx context.Context, marketID string) error {
	_, err := o.db.ExecContext(ctx,
		`UPDATE settlement_outbox SET published_at = ?, attempts = attempts + 1, last_error = NULL WHERE market_id = ?`,
		o.now().UTC(), marketID)
	if err != nil {
		return fmt.Errorf("mark published %s: %w", marketID, err)
	}
	o.refreshBacklog(ctx)
	return nil
}

// MarkFailed records a failed delivery attempt.
func (o *Outbox) MarkFailed(ctx context.Context, marketID string, cause error) error {
	_, err := o.db.ExecContext(ctx,
		`UPDATE settlement_outbox SET attempts = attempts + 1, last_error = ? WHERE market_id = ?`,
		cause.Error(), marketID)
	if err != nil {
		return fmt.Errorf("mark failed %s: %w", marketID, err)
	}
	return nil
}

// Backlog counts unpublished entries.
func (o *Outbox) Backlog(ctx context.Context) (int, error) {
	var n int
	err := o.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM settlement_outbox WHERE published_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count backlog: %w", err)
	}
	return n, nil
}

func (o *Outbox) refreshBacklog(ctx context.Context) {
	if n, err := o.Backlog(ctx); err == nil {
		metrics.RecorderBacklog.Set(float64(n))
	}
}
