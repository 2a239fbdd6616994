package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// PostgresDedupStore answers dedup lookups from event_log.commands. It is
// the second tier behind core.DedupChecker's LRU.
type PostgresDedupStore struct {
	db      *sql.DB
	timeout time.Duration
}

func NewPostgresDedupStore(db *sql.DB) *PostgresDedupStore {
	return &PostgresDedupStore{db: db, timeout: 500 * time.Millisecond}
}

// IsDuplicate reports whether a command of kind with key was persisted.
func (s *PostgresDedupStore) IsDuplicate(ctx context.Context, kind string, key string) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var exists int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1
		FROM event_log.commands
		WHERE kind = $1 AND dedup_key = $2
		LIMIT 1
	`, kind, key).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// RecentKeys returns up to limit "kind:key" pairs, oldest first, for
// warming the LRU on start.
func (s *PostgresDedupStore) RecentKeys(ctx context.Context, limit int) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT kind || ':' || dedup_key FROM (
			SELECT kind, dedup_key, sequence
			FROM event_log.commands
			WHERE dedup_key IS NOT NULL
			ORDER BY sequence DESC
			LIMIT $1
		) recent
		ORDER BY sequence ASC
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}
