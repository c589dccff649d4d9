package fsmstate

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteBackend is a durable Backend on top of modernc.org/sqlite — the
// same pure-Go driver the teacher's graph/store uses for checkpoint
// persistence, repurposed here for flat key-value rows instead of
// step/checkpoint history.
type SQLiteBackend struct {
	db *sql.DB
}

// NewSQLiteBackend opens (creating if absent) a single-table kv store at
// dsn, e.g. "file:eyeflow.db?_pragma=busy_timeout(5000)".
func NewSQLiteBackend(dsn string) (*SQLiteBackend, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("fsmstate: open sqlite: %w", err)
	}
	const schema = `
CREATE TABLE IF NOT EXISTS fsm_kv (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	expires_at INTEGER
);`
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("fsmstate: migrate sqlite: %w", err)
	}
	return &SQLiteBackend{db: db}, nil
}

// Close releases the underlying database handle.
func (b *SQLiteBackend) Close() error { return b.db.Close() }

func (b *SQLiteBackend) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	var expiresAt int64
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl).Unix()
	}
	_, err := b.db.ExecContext(ctx, `
INSERT INTO fsm_kv (key, value, expires_at) VALUES (?, ?, ?)
ON CONFLICT(key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, expiresAt)
	return err
}

func (b *SQLiteBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	var expiresAt int64
	err := b.db.QueryRowContext(ctx, `SELECT value, expires_at FROM fsm_kv WHERE key = ?`, key).
		Scan(&value, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if expiresAt != 0 && time.Now().Unix() > expiresAt {
		_ = b.Delete(ctx, key)
		return nil, false, nil
	}
	return value, true, nil
}

func (b *SQLiteBackend) Delete(ctx context.Context, key string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM fsm_kv WHERE key = ?`, key)
	return err
}
