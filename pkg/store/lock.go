package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AcquireBuildLock takes the named lease for holder. A lease held by someone else is
// honored until it expires; re-acquiring one's own lease extends it.
func (s *SQLiteGraphStore) AcquireBuildLock(ctx context.Context, name, holder string, ttl time.Duration) error {
	return s.WithTx(ctx, func(tx *Tx) error {
		now := time.Now().UTC()

		var (
			current string
			expires time.Time
		)
		err := tx.tx.QueryRowContext(ctx,
			`SELECT holder, expires_at FROM build_locks WHERE name = ?`, name).Scan(&current, &expires)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return fmt.Errorf("failed to read build lock: %w", err)
		case current != holder && expires.After(now):
			return fmt.Errorf("lock %q held by %s until %s: %w", name, current, expires.Format(time.RFC3339), ErrBuildLocked)
		}

		_, err = tx.tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO build_locks (name, holder, acquired_at, expires_at)
			VALUES (?, ?, ?, ?)`, name, holder, now, now.Add(ttl))
		if err != nil {
			return fmt.Errorf("failed to write build lock: %w", err)
		}
		return nil
	})
}

// ReleaseBuildLock drops the lease if holder still owns it.
func (s *SQLiteGraphStore) ReleaseBuildLock(ctx context.Context, name, holder string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM build_locks WHERE name = ? AND holder = ?`, name, holder)
	if err != nil {
		return fmt.Errorf("failed to release build lock: %w", err)
	}
	return nil
}
