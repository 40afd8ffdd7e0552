package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	dbpkg "github.com/locker-control/lcc/internal/db"
	"github.com/locker-control/lcc/internal/store"
)

type CommandStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewCommandStore(db *sql.DB, writer *dbpkg.Worker) *CommandStore {
	return &CommandStore{db: db, writer: writer}
}

const commandColumns = `id, kiosk_id, type, payload, status, retry_count,
max_retries, next_attempt_at_ms, last_error, version, created_at_ms,
completed_at_ms, duration_ms`

func (s *CommandStore) Create(ctx context.Context, c *store.PendingCommand) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO pending_commands(
  id, kiosk_id, type, payload, status, retry_count, max_retries,
  next_attempt_at_ms, last_error, version, created_at_ms, updated_at_ms,
  completed_at_ms, duration_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?);
`,
			c.ID, c.KioskID, string(c.Type), c.Payload, string(c.Status),
			c.RetryCount, c.MaxRetries, c.NextAttemptAt.UTC().UnixMilli(),
			nullString(c.LastError), c.CreatedAt.UTC().UnixMilli(),
			time.Now().UTC().UnixMilli(), nullMillis(c.CompletedAt),
			nullInt64(c.DurationMs),
		)
		if err != nil {
			return fmt.Errorf("command create: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("command create rows: %w", err)
		}
		if n == 0 {
			return store.ErrDuplicate
		}
		return nil
	})
}

func (s *CommandStore) Get(ctx context.Context, id string) (*store.PendingCommand, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+commandColumns+`
FROM pending_commands
WHERE id = ?;
`, id)
	c, err := scanCommand(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("command get: %w", err)
	}
	return c, nil
}

func (s *CommandStore) Due(ctx context.Context, kioskID string, now time.Time, limit int) ([]*store.PendingCommand, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+commandColumns+`
FROM pending_commands
WHERE kiosk_id = ? AND status = 'pending' AND next_attempt_at_ms <= ?
ORDER BY next_attempt_at_ms
LIMIT ?;
`, kioskID, now.UTC().UnixMilli(), limit)
	if err != nil {
		return nil, fmt.Errorf("command due: %w", err)
	}
	defer rows.Close()

	var out []*store.PendingCommand
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, fmt.Errorf("command scan: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Update applies the command row iff version still matches; the poller uses
// this to claim pending->executing so the relay never fires twice for one
// command.
func (s *CommandStore) Update(ctx context.Context, c *store.PendingCommand, expectedVersion int64) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE pending_commands
SET status             = ?,
    retry_count        = ?,
    next_attempt_at_ms = ?,
    last_error         = ?,
    completed_at_ms    = ?,
    duration_ms        = ?,
    version            = ?,
    updated_at_ms      = ?
WHERE id = ? AND version = ?;
`,
			string(c.Status), c.RetryCount, c.NextAttemptAt.UTC().UnixMilli(),
			nullString(c.LastError), nullMillis(c.CompletedAt),
			nullInt64(c.DurationMs),
			expectedVersion+1, time.Now().UTC().UnixMilli(),
			c.ID, expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("command update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("command update rows: %w", err)
		}
		if n == 0 {
			var exists int
			err := tx.QueryRowContext(ctx,
				"SELECT 1 FROM pending_commands WHERE id = ?;", c.ID).Scan(&exists)
			if err == sql.ErrNoRows {
				return store.ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("command update check: %w", err)
			}
			return store.ErrVersionConflict
		}
		c.Version = expectedVersion + 1
		return nil
	})
}

// RecoverStale resolves commands stuck executing past the cutoff: a crash
// mid-attempt leaves them behind. Rows with retries left go back to pending
// for immediate re-dispatch; exhausted ones are terminal failures.
func (s *CommandStore) RecoverStale(ctx context.Context, cutoff time.Time, now time.Time) (requeued, failed int, err error) {
	err = s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		nowMs := now.UTC().UnixMilli()
		cutoffMs := cutoff.UTC().UnixMilli()

		res, err := tx.ExecContext(ctx, `
UPDATE pending_commands
SET status = 'pending',
    retry_count = retry_count + 1,
    next_attempt_at_ms = ?,
    last_error = 'stale executing recovered',
    version = version + 1,
    updated_at_ms = ?
WHERE status = 'executing' AND updated_at_ms < ? AND retry_count < max_retries;
`, nowMs, nowMs, cutoffMs)
		if err != nil {
			return fmt.Errorf("recover stale requeue: %w", err)
		}
		n, _ := res.RowsAffected()
		requeued = int(n)

		res, err = tx.ExecContext(ctx, `
UPDATE pending_commands
SET status = 'failed',
    last_error = 'stale executing, retries exhausted',
    completed_at_ms = ?,
    version = version + 1,
    updated_at_ms = ?
WHERE status = 'executing' AND updated_at_ms < ?;
`, nowMs, nowMs, cutoffMs)
		if err != nil {
			return fmt.Errorf("recover stale fail: %w", err)
		}
		n, _ = res.RowsAffected()
		failed = int(n)
		return nil
	})
	return requeued, failed, err
}

func (s *CommandStore) AppendAudit(ctx context.Context, rec *store.CommandAuditRecord) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
INSERT INTO command_audit(command_id, kiosk_id, attempt, outcome, detail, duration_ms, at_ms)
VALUES (?, ?, ?, ?, ?, ?, ?);
`,
			rec.CommandID, rec.KioskID, rec.Attempt, rec.Outcome,
			nullString(rec.Detail), rec.DurationMs, rec.At.UTC().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("command audit append: %w", err)
		}
		return nil
	})
}

func (s *CommandStore) AuditFor(ctx context.Context, commandID string) ([]*store.CommandAuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT command_id, kiosk_id, attempt, outcome, detail, duration_ms, at_ms
FROM command_audit
WHERE command_id = ?
ORDER BY id;
`, commandID)
	if err != nil {
		return nil, fmt.Errorf("command audit query: %w", err)
	}
	defer rows.Close()

	var out []*store.CommandAuditRecord
	for rows.Next() {
		var (
			rec    store.CommandAuditRecord
			detail sql.NullString
			atMs   int64
		)
		if err := rows.Scan(&rec.CommandID, &rec.KioskID, &rec.Attempt,
			&rec.Outcome, &detail, &rec.DurationMs, &atMs); err != nil {
			return nil, fmt.Errorf("command audit scan: %w", err)
		}
		rec.Detail = detail.String
		rec.At = time.UnixMilli(atMs).UTC()
		out = append(out, &rec)
	}
	return out, rows.Err()
}

func scanCommand(r rowScanner) (*store.PendingCommand, error) {
	var (
		c           store.PendingCommand
		cmdType     string
		status      string
		nextMs      int64
		lastError   sql.NullString
		createdMs   int64
		completedMs sql.NullInt64
		durationMs  sql.NullInt64
	)
	if err := r.Scan(&c.ID, &c.KioskID, &cmdType, &c.Payload, &status,
		&c.RetryCount, &c.MaxRetries, &nextMs, &lastError, &c.Version,
		&createdMs, &completedMs, &durationMs); err != nil {
		return nil, err
	}
	c.Type = store.CommandType(cmdType)
	c.Status = store.CommandStatus(status)
	c.NextAttemptAt = time.UnixMilli(nextMs).UTC()
	c.LastError = lastError.String
	c.CreatedAt = time.UnixMilli(createdMs).UTC()
	c.CompletedAt = millisPtr(completedMs)
	if durationMs.Valid {
		d := durationMs.Int64
		c.DurationMs = &d
	}
	return &c, nil
}

func nullInt64(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}
