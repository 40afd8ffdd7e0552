// Package store defines the persistent records and store contracts for the
// locker ledger, the durable command queue, and rate-limit violations.
// Implementations must honor the conditional-update-by-version primitive:
// a write carrying a stale version fails with ErrVersionConflict and must
// not mutate anything.
package store

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrVersionConflict is returned when a conditional update loses the
	// race: the row's version no longer matches what the writer read.
	// Retryable from a fresh read, never a hard failure.
	ErrVersionConflict = errors.New("store: version conflict")

	// ErrNotFound is returned by conditional updates against missing rows.
	// Plain reads return (nil, nil) for missing rows instead.
	ErrNotFound = errors.New("store: not found")

	// ErrDuplicate is returned when inserting a row that already exists.
	ErrDuplicate = errors.New("store: duplicate")
)

// LockerStatus is the locker ownership state.
type LockerStatus string

const (
	StatusFree     LockerStatus = "free"
	StatusReserved LockerStatus = "reserved"
	StatusOwned    LockerStatus = "owned"
	StatusOpening  LockerStatus = "opening"
	StatusBlocked  LockerStatus = "blocked"
	StatusError    LockerStatus = "error"
)

// OwnerType identifies the kind of identity holding a locker.
type OwnerType string

const (
	OwnerRFID   OwnerType = "rfid"
	OwnerDevice OwnerType = "device"
	OwnerVIP    OwnerType = "vip"
)

// Locker is one physical locker's ledger row.
// Invariant: OwnerKey != "" exactly when Status is reserved or owned.
type Locker struct {
	KioskID     string
	ID          int
	Status      LockerStatus
	OwnerType   OwnerType
	OwnerKey    string
	ReservedAt  *time.Time
	OwnedAt     *time.Time
	IsVIP       bool
	Version     int64
	DisplayName string
}

// LockerStore persists lockers.
type LockerStore interface {
	// Get returns the locker, or (nil, nil) if it does not exist.
	Get(ctx context.Context, kioskID string, id int) (*Locker, error)
	// List returns all lockers for a kiosk ordered by id.
	List(ctx context.Context, kioskID string) ([]*Locker, error)
	// ListByStatus returns lockers with the given status ordered by id.
	ListByStatus(ctx context.Context, kioskID string, status LockerStatus) ([]*Locker, error)
	// FindOwned returns the locker held by the identity in
	// {reserved, owned}, or (nil, nil) if the identity holds none.
	FindOwned(ctx context.Context, ownerKey string, ownerType OwnerType) (*Locker, error)
	// ListReservedBefore returns reserved lockers whose reservation
	// predates the cutoff. Feeds the policy-gated cleanup sweep.
	ListReservedBefore(ctx context.Context, kioskID string, cutoff time.Time) ([]*Locker, error)
	// Provision inserts a new locker row at version 0.
	Provision(ctx context.Context, l *Locker) error
	// Update writes the locker iff the stored version equals
	// expectedVersion, bumping version to expectedVersion+1.
	// Returns ErrVersionConflict otherwise, and also when the write would
	// give an identity a second non-VIP locker in {reserved, owned}: the
	// one-locker-per-identity rule is enforced here, across rows, not
	// only by the caller's read-then-write.
	Update(ctx context.Context, l *Locker, expectedVersion int64) error
}

// CommandStatus is the lifecycle state of a queued command.
type CommandStatus string

const (
	CommandPending   CommandStatus = "pending"
	CommandExecuting CommandStatus = "executing"
	CommandCompleted CommandStatus = "completed"
	CommandFailed    CommandStatus = "failed"
	CommandCancelled CommandStatus = "cancelled"
)

// CommandType is the hardware operation a queued command requests.
type CommandType string

const (
	CommandOpen   CommandType = "open"
	CommandClose  CommandType = "close"
	CommandReset  CommandType = "reset"
	CommandBuzzer CommandType = "buzzer"
)

// PendingCommand is one durable queue entry.
type PendingCommand struct {
	ID            string
	KioskID       string
	Type          CommandType
	Payload       string // JSON
	Status        CommandStatus
	RetryCount    int
	MaxRetries    int
	NextAttemptAt time.Time
	LastError     string
	Version       int64
	CreatedAt     time.Time
	CompletedAt   *time.Time
	DurationMs    *int64
}

// CommandAuditRecord is one append-only attempt record.
type CommandAuditRecord struct {
	CommandID  string
	KioskID    string
	Attempt    int
	Outcome    string
	Detail     string
	DurationMs int64
	At         time.Time
}

// CommandStore persists queued commands and their audit trail.
type CommandStore interface {
	Create(ctx context.Context, c *PendingCommand) error
	// Get returns the command, or (nil, nil) if unknown.
	Get(ctx context.Context, id string) (*PendingCommand, error)
	// Due returns pending commands whose NextAttemptAt is at or before
	// now, oldest first, capped at limit.
	Due(ctx context.Context, kioskID string, now time.Time, limit int) ([]*PendingCommand, error)
	// Update writes the command iff the stored version equals
	// expectedVersion (same CAS contract as LockerStore.Update).
	Update(ctx context.Context, c *PendingCommand, expectedVersion int64) error
	// RecoverStale handles rows stuck executing past the cutoff: retries
	// left go back to pending, exhausted ones become failed.
	RecoverStale(ctx context.Context, cutoff time.Time, now time.Time) (requeued, failed int, err error)
	// AppendAudit appends an attempt record. Never updates in place.
	AppendAudit(ctx context.Context, rec *CommandAuditRecord) error
	// AuditFor returns the attempt trail for a command, oldest first.
	AuditFor(ctx context.Context, commandID string) ([]*CommandAuditRecord, error)
}

// Violation tracks rate-limit breaches for one key (scope:identifier).
type Violation struct {
	Key            string
	LimitType      string
	Count          int
	FirstViolation time.Time
	LastViolation  time.Time
	IsBlocked      bool
	BlockExpiresAt *time.Time
}

// ViolationStore persists rate-limit violations.
type ViolationStore interface {
	// Get returns the violation record, or (nil, nil) if none.
	Get(ctx context.Context, key string) (*Violation, error)
	Upsert(ctx context.Context, v *Violation) error
	Delete(ctx context.Context, key string) error
	// Sweep removes expired blocks and non-blocking records idle since
	// the cutoff. Returns the number of rows removed.
	Sweep(ctx context.Context, now time.Time, idleCutoff time.Time) (int, error)
}
