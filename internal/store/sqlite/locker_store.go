// Package sqlite implements the store contracts on the kiosk's sqlite
// database. Writes go through the single-writer transaction worker;
// conditional updates are plain UPDATE ... WHERE version = ? statements
// whose zero-rows-affected result signals a lost race.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	dbpkg "github.com/locker-control/lcc/internal/db"
	"github.com/locker-control/lcc/internal/store"
)

type LockerStore struct {
	db     *sql.DB
	writer *dbpkg.Worker
}

func NewLockerStore(db *sql.DB, writer *dbpkg.Worker) *LockerStore {
	return &LockerStore{db: db, writer: writer}
}

const lockerColumns = `kiosk_id, locker_id, status, owner_type, owner_key,
reserved_at_ms, owned_at_ms, is_vip, version, display_name`

func (s *LockerStore) Get(ctx context.Context, kioskID string, id int) (*store.Locker, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+lockerColumns+`
FROM lockers
WHERE kiosk_id = ? AND locker_id = ?;
`, kioskID, id)
	l, err := scanLocker(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("locker get: %w", err)
	}
	return l, nil
}

func (s *LockerStore) List(ctx context.Context, kioskID string) ([]*store.Locker, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+lockerColumns+`
FROM lockers
WHERE kiosk_id = ?
ORDER BY locker_id;
`, kioskID)
	if err != nil {
		return nil, fmt.Errorf("locker list: %w", err)
	}
	defer rows.Close()
	return collectLockers(rows)
}

func (s *LockerStore) ListByStatus(ctx context.Context, kioskID string, status store.LockerStatus) ([]*store.Locker, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+lockerColumns+`
FROM lockers
WHERE kiosk_id = ? AND status = ?
ORDER BY locker_id;
`, kioskID, string(status))
	if err != nil {
		return nil, fmt.Errorf("locker list by status: %w", err)
	}
	defer rows.Close()
	return collectLockers(rows)
}

func (s *LockerStore) FindOwned(ctx context.Context, ownerKey string, ownerType store.OwnerType) (*store.Locker, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT `+lockerColumns+`
FROM lockers
WHERE owner_key = ? AND owner_type = ? AND status IN ('reserved', 'owned')
ORDER BY kiosk_id, locker_id
LIMIT 1;
`, ownerKey, string(ownerType))
	l, err := scanLocker(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("locker find owned: %w", err)
	}
	return l, nil
}

func (s *LockerStore) ListReservedBefore(ctx context.Context, kioskID string, cutoff time.Time) ([]*store.Locker, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT `+lockerColumns+`
FROM lockers
WHERE kiosk_id = ? AND status = 'reserved' AND reserved_at_ms < ?
ORDER BY locker_id;
`, kioskID, cutoff.UTC().UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("locker list reserved before: %w", err)
	}
	defer rows.Close()
	return collectLockers(rows)
}

func (s *LockerStore) Provision(ctx context.Context, l *store.Locker) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO lockers(
  kiosk_id, locker_id, status, owner_type, owner_key,
  reserved_at_ms, owned_at_ms, is_vip, version, display_name, updated_at_ms
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?);
`,
			l.KioskID, l.ID, string(l.Status),
			nullString(string(l.OwnerType)), nullString(l.OwnerKey),
			nullMillis(l.ReservedAt), nullMillis(l.OwnedAt),
			boolInt(l.IsVIP), l.DisplayName, time.Now().UTC().UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("locker provision: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("locker provision rows: %w", err)
		}
		if n == 0 {
			return store.ErrDuplicate
		}
		return nil
	})
}

// Update applies the locker row iff version still matches expectedVersion.
// Zero rows affected means another writer won; the caller retries from a
// fresh read. A write that would give an identity a second non-VIP locker
// trips the partial unique index and is reported as the same retryable
// conflict: the retry's fresh FindOwned sees the winner.
func (s *LockerStore) Update(ctx context.Context, l *store.Locker, expectedVersion int64) error {
	return s.writer.Do(ctx, func(ctx context.Context, tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
UPDATE lockers
SET status         = ?,
    owner_type     = ?,
    owner_key      = ?,
    reserved_at_ms = ?,
    owned_at_ms    = ?,
    is_vip         = ?,
    display_name   = ?,
    version        = ?,
    updated_at_ms  = ?
WHERE kiosk_id = ? AND locker_id = ? AND version = ?;
`,
			string(l.Status),
			nullString(string(l.OwnerType)), nullString(l.OwnerKey),
			nullMillis(l.ReservedAt), nullMillis(l.OwnedAt),
			boolInt(l.IsVIP), l.DisplayName,
			expectedVersion+1, time.Now().UTC().UnixMilli(),
			l.KioskID, l.ID, expectedVersion,
		)
		if err != nil {
			if isUniqueViolation(err) {
				return store.ErrVersionConflict
			}
			return fmt.Errorf("locker update: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("locker update rows: %w", err)
		}
		if n == 0 {
			// Distinguish a missing row from a lost race.
			var exists int
			err := tx.QueryRowContext(ctx,
				"SELECT 1 FROM lockers WHERE kiosk_id = ? AND locker_id = ?;",
				l.KioskID, l.ID).Scan(&exists)
			if err == sql.ErrNoRows {
				return store.ErrNotFound
			}
			if err != nil {
				return fmt.Errorf("locker update check: %w", err)
			}
			return store.ErrVersionConflict
		}
		l.Version = expectedVersion + 1
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocker(r rowScanner) (*store.Locker, error) {
	var (
		l          store.Locker
		status     string
		ownerType  sql.NullString
		ownerKey   sql.NullString
		reservedMs sql.NullInt64
		ownedMs    sql.NullInt64
		isVip      int
	)
	if err := r.Scan(&l.KioskID, &l.ID, &status, &ownerType, &ownerKey,
		&reservedMs, &ownedMs, &isVip, &l.Version, &l.DisplayName); err != nil {
		return nil, err
	}
	l.Status = store.LockerStatus(status)
	if ownerType.Valid {
		l.OwnerType = store.OwnerType(ownerType.String)
	}
	if ownerKey.Valid {
		l.OwnerKey = ownerKey.String
	}
	l.ReservedAt = millisPtr(reservedMs)
	l.OwnedAt = millisPtr(ownedMs)
	l.IsVIP = isVip == 1
	return &l, nil
}

func collectLockers(rows *sql.Rows) ([]*store.Locker, error) {
	var out []*store.Locker
	for rows.Next() {
		l, err := scanLocker(rows)
		if err != nil {
			return nil, fmt.Errorf("locker scan: %w", err)
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UTC().UnixMilli(), Valid: true}
}

func millisPtr(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.UnixMilli(v.Int64).UTC()
	return &t
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// isUniqueViolation matches modernc.org/sqlite's constraint error text.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
