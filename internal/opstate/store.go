// Package opstate provides a namespaced key-value store for persistent
// operational state: webhook message ids already processed, the time of
// the last inbound message per sender. Entries may carry an expiry, after
// which they read as absent and can be claimed again.
package opstate

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Claimer records first sightings of a key. Claim returns true exactly
// once per key until the entry expires.
type Claimer interface {
	Claim(ctx context.Context, namespace, key string, ttl time.Duration) (bool, error)
}

// Store is a namespaced key-value store backed by SQLite. All public
// methods are safe for concurrent use (SQLite serializes writes).
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore creates an operational state store on db. The schema is
// created automatically on first use.
func NewStore(db *sql.DB) (*Store, error) {
	s := &Store{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS operational_state (
		namespace  TEXT NOT NULL,
		key        TEXT NOT NULL,
		value      TEXT NOT NULL,
		updated_at TEXT NOT NULL,
		expires_at TEXT,
		PRIMARY KEY (namespace, key)
	);
	CREATE INDEX IF NOT EXISTS idx_opstate_expires ON operational_state(expires_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

func (s *Store) stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func (s *Store) expiry(ttl time.Duration) sql.NullString {
	if ttl <= 0 {
		return sql.NullString{}
	}
	return sql.NullString{String: s.stamp(s.now().Add(ttl)), Valid: true}
}

// Get returns the stored value for a namespace/key pair. Returns empty
// string and nil error if the key does not exist or has expired.
func (s *Store) Get(ctx context.Context, namespace, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM operational_state
		 WHERE namespace = ? AND key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		namespace, key, s.stamp(s.now()),
	).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get %s/%s: %w", namespace, key, err)
	}
	return value, nil
}

// Set upserts a namespace/key/value triple. A positive ttl makes the
// entry expire; zero keeps it forever.
func (s *Store) Set(ctx context.Context, namespace, key, value string, ttl time.Duration) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO operational_state (namespace, key, value, updated_at, expires_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at, expires_at = excluded.expires_at`,
		namespace, key, value, s.stamp(s.now()), s.expiry(ttl),
	)
	if err != nil {
		return fmt.Errorf("set %s/%s: %w", namespace, key, err)
	}
	return nil
}

// Claim inserts namespace/key unless a live entry exists. It reports
// whether this call created the entry.
func (s *Store) Claim(ctx context.Context, namespace, key string, ttl time.Duration) (bool, error) {
	now := s.stamp(s.now())
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO operational_state (namespace, key, value, updated_at, expires_at)
		 VALUES (?, ?, '1', ?, ?)
		 ON CONFLICT (namespace, key) DO UPDATE
		 SET value = excluded.value, updated_at = excluded.updated_at, expires_at = excluded.expires_at
		 WHERE operational_state.expires_at IS NOT NULL AND operational_state.expires_at <= ?`,
		namespace, key, now, s.expiry(ttl), now,
	)
	if err != nil {
		return false, fmt.Errorf("claim %s/%s: %w", namespace, key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim %s/%s: %w", namespace, key, err)
	}
	return n > 0, nil
}

// Purge deletes expired entries and returns how many were removed.
func (s *Store) Purge(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM operational_state WHERE expires_at IS NOT NULL AND expires_at <= ?`,
		s.stamp(s.now()),
	)
	if err != nil {
		return 0, fmt.Errorf("purge: %w", err)
	}
	return res.RowsAffected()
}
