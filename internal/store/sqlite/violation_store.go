package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/locker-control/lcc/internal/db"
	"github.com/locker-control/lcc/internal/store"
)

type ViolationStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewViolationStore(db *sql.DB, writer *dbpkg.Worker) *ViolationStore {
	return &ViolationStore{db: db, writer: writer}
}

func (s *ViolationStore) Get(ctx context.Context, key string) (*store.Violation, error) {
	var (
		v         store.Violation
		firstMs   int64
		lastMs    int64
		isBlocked int
		expiresMs sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
SELECT key, limit_type, violation_count, first_violation_ms,
       last_violation_ms, is_blocked, block_expires_at_ms
FROM violations
WHERE key = ?;
`, key).Scan(&v.Key, &v.LimitType, &v.Count, &firstMs, &lastMs, &isBlocked, &expiresMs)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("violation get: %w", err)
	}
	v.FirstViolation = time.UnixMilli(firstMs).UTC()
	v.LastViolation = time.UnixMilli(lastMs).UTC()
	v.IsBlocked = isBlocked == 1
	v.BlockExpiresAt = millisPtr(expiresMs)
	return &v, nil
}

func (s *ViolationStore) Upsert(ctx context.Context, v *store.Violation) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO violations(
  key, limit_type, violation_count, first_violation_ms,
  last_violation_ms, is_blocked, block_expires_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(key) DO UPDATE SET
  limit_type          = excluded.limit_type,
  violation_count     = excluded.violation_count,
  last_violation_ms   = excluded.last_violation_ms,
  is_blocked          = excluded.is_blocked,
  block_expires_at_ms = excluded.block_expires_at_ms;
`,
			v.Key, v.LimitType, v.Count,
			v.FirstViolation.UTC().UnixMilli(), v.LastViolation.UTC().UnixMilli(),
			boolInt(v.IsBlocked), nullMillis(v.BlockExpiresAt),
		)
		if err != nil {
			return fmt.Errorf("violation upsert: %w", err)
		}
		return nil
	})
}

func (s *ViolationStore) Delete(ctx context.Context, key string) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "DELETE FROM violations WHERE key = ?;", key); err != nil {
			return fmt.Errorf("violation delete: %w", err)
		}
		return nil
	})
}

// Sweep drops expired blocks and stale non-blocking records. Blocked keys
// whose block has not expired are kept regardless of idle time.
func (s *ViolationStore) Sweep(ctx context.Context, now time.Time, idleCutoff time.Time) (int, error) {
	removed := 0
	err := s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
DELETE FROM violations
WHERE (is_blocked = 1 AND block_expires_at_ms IS NOT NULL AND block_expires_at_ms <= ?)
   OR (is_blocked = 0 AND last_violation_ms < ?);
`, now.UTC().UnixMilli(), idleCutoff.UTC().UnixMilli())
		if err != nil {
			return fmt.Errorf("violation sweep: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("violation sweep rows: %w", err)
		}
		removed = int(n)
		return nil
	})
	return removed, err
}
