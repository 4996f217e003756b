package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/lib/pq"

	"credtrust/pkg/platform/sentinel"
)

const kvSchema = `
CREATE TABLE IF NOT EXISTS kv_entries (
	key        TEXT PRIMARY KEY,
	value      BYTEA NOT NULL,
	expires_at TIMESTAMPTZ NULL
);
CREATE INDEX IF NOT EXISTS kv_entries_expires_at_idx ON kv_entries (expires_at) WHERE expires_at IS NOT NULL;
`

// PostgresKV persists entries in a single kv_entries table. Expired rows are
// invisible to reads and removed by Purge.
type PostgresKV struct {
	db    *sql.DB
	clock func() time.Time
}

type PostgresOption func(*PostgresKV)

// WithPostgresClock sets the clock function for testability.
func WithPostgresClock(clock func() time.Time) PostgresOption {
	return func(p *PostgresKV) {
		if clock != nil {
			p.clock = clock
		}
	}
}

func NewPostgresKV(db *sql.DB, opts ...PostgresOption) *PostgresKV {
	if db == nil {
		panic("storage: database handle is required")
	}
	p := &PostgresKV{db: db, clock: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Migrate creates the kv_entries table.
func (p *PostgresKV) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, kvSchema); err != nil {
		return fmt.Errorf("migrate kv_entries: %w", err)
	}
	return nil
}

func (p *PostgresKV) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := p.db.QueryRowContext(ctx, `
		SELECT value FROM kv_entries
		WHERE key = $1 AND (expires_at IS NULL OR expires_at > $2)
	`, key, p.clock()).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("key %s: %w", key, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("postgres get", err)
	}
	return value, nil
}

func (p *PostgresKV) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at
	`, key, value, p.expiry(ttl))
	if err != nil {
		return unavailable("postgres set", err)
	}
	return nil
}

// SetNX inserts the row, or replaces it only when the existing row has expired.
func (p *PostgresKV) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	res, err := p.db.ExecContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (key) DO UPDATE SET
			value = EXCLUDED.value,
			expires_at = EXCLUDED.expires_at
		WHERE kv_entries.expires_at IS NOT NULL AND kv_entries.expires_at <= $4
	`, key, value, p.expiry(ttl), p.clock())
	if err != nil {
		return false, unavailable("postgres setnx", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, unavailable("postgres setnx", err)
	}
	return n == 1, nil
}

func (p *PostgresKV) Take(ctx context.Context, key string) ([]byte, error) {
	var (
		value     []byte
		expiresAt sql.NullTime
	)
	err := p.db.QueryRowContext(ctx, `
		DELETE FROM kv_entries WHERE key = $1
		RETURNING value, expires_at
	`, key).Scan(&value, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("key %s: %w", key, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("postgres take", err)
	}
	if expiresAt.Valid && !p.clock().Before(expiresAt.Time) {
		return nil, fmt.Errorf("key %s: %w", key, sentinel.ErrNotFound)
	}
	return value, nil
}

func (p *PostgresKV) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if _, err := p.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE key = ANY($1)`, pq.Array(keys)); err != nil {
		return unavailable("postgres delete", err)
	}
	return nil
}

func (p *PostgresKV) Incr(ctx context.Context, key string) (int64, error) {
	var raw []byte
	err := p.db.QueryRowContext(ctx, `
		INSERT INTO kv_entries (key, value, expires_at)
		VALUES ($1, convert_to('1', 'UTF8'), NULL)
		ON CONFLICT (key) DO UPDATE SET
			value = convert_to((convert_from(kv_entries.value, 'UTF8')::bigint + 1)::text, 'UTF8')
		RETURNING value
	`, key).Scan(&raw)
	if err != nil {
		return 0, unavailable("postgres incr", err)
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return n, nil
}

func (p *PostgresKV) Scan(ctx context.Context, prefix string) ([]Entry, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT key, value, expires_at FROM kv_entries
		WHERE starts_with(key, $1) AND (expires_at IS NULL OR expires_at > $2)
		ORDER BY key
	`, prefix, p.clock())
	if err != nil {
		return nil, unavailable("postgres scan", err)
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var (
			e         Entry
			expiresAt sql.NullTime
		)
		if err := rows.Scan(&e.Key, &e.Value, &expiresAt); err != nil {
			return nil, fmt.Errorf("scan kv row: %w", err)
		}
		if expiresAt.Valid {
			e.ExpiresAt = expiresAt.Time
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("postgres scan", err)
	}
	return out, nil
}

// Purge deletes expired rows.
func (p *PostgresKV) Purge(ctx context.Context) (int, error) {
	res, err := p.db.ExecContext(ctx, `DELETE FROM kv_entries WHERE expires_at IS NOT NULL AND expires_at <= $1`, p.clock())
	if err != nil {
		return 0, unavailable("postgres purge", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	return int(n), nil
}

func (p *PostgresKV) expiry(ttl time.Duration) sql.NullTime {
	if ttl <= 0 {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: p.clock().Add(ttl), Valid: true}
}

var (
	_ KV     = (*PostgresKV)(nil)
	_ Purger = (*PostgresKV)(nil)
)
