package persistence

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// SQLIdempotencyChecker is the second dedup tier: it looks the request up in
// the event log when the in-memory LRU misses.
type SQLIdempotencyChecker struct {
	db      *sql.DB
	timeout time.Duration
}

func NewSQLIdempotencyChecker(db *sql.DB) *SQLIdempotencyChecker {
	return &SQLIdempotencyChecker{
		db:      db,
		timeout: 500 * time.Millisecond,
	}
}

// IsDuplicate checks if the command exists in the event log.
func (c *SQLIdempotencyChecker) IsDuplicate(eventType string, idempotencyKey string) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var exists int
	err := c.db.QueryRowContext(ctx, `
		SELECT 1
		FROM events
		WHERE event_type = $1 AND idempotency_key = $2
		LIMIT 1
	`, eventType, idempotencyKey).Scan(&exists)

	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}
