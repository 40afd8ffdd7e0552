package api

import (
	"context"
	"net/http"

	"github.com/locker-control/lcc/internal/command"
	"github.com/locker-control/lcc/internal/ratelimit"
	"github.com/locker-control/lcc/internal/relay"
	"github.com/locker-control/lcc/internal/session"
	"github.com/locker-control/lcc/internal/store"
)

// LockerPort is the ownership state machine as seen by the API.
type LockerPort interface {
	GetLocker(ctx context.Context, kioskID string, id int) (*store.Locker, error)
	ListFree(ctx context.Context, kioskID string) ([]*store.Locker, error)
	CheckExistingOwnership(ctx context.Context, ownerKey string, ownerType store.OwnerType) (*store.Locker, error)
	AssignLocker(ctx context.Context, kioskID string, id int, ownerType store.OwnerType, ownerKey string) (bool, error)
	ConfirmOwnership(ctx context.Context, kioskID string, id int) error
	ReleaseLocker(ctx context.Context, kioskID string, id int, ownerKey string, ownerType store.OwnerType) error
	OpenForOwner(ctx context.Context, l *store.Locker, force bool) error
	MasterOpen(ctx context.Context, kioskID string, id int) error
	HandleHardwareError(ctx context.Context, kioskID string, id int, reason string) error
}

// SessionPort is the selection window manager.
type SessionPort interface {
	Create(kioskID, ownerKey string, ownerType store.OwnerType, lockerIDs []int) *session.Session
	Complete(kioskID, sessionID string, lockerID int) (*session.Session, error)
	Cancel(kioskID, sessionID string) error
}

// IdentityPort resolves raw scans to owner keys.
type IdentityPort interface {
	Resolve(kioskID, raw string) (string, error)
}

// QueuePort is the durable command queue.
type QueuePort interface {
	Enqueue(ctx context.Context, typ store.CommandType, p command.Payload) (*store.PendingCommand, error)
	Get(ctx context.Context, id string) (*store.PendingCommand, error)
	Audit(ctx context.Context, id string) ([]*store.CommandAuditRecord, error)
	Cancel(ctx context.Context, id string) error
}

// LimiterPort guards the kiosk-facing surface.
type LimiterPort interface {
	Check(ctx context.Context, ip string, lockerID int, deviceID string) (*ratelimit.Decision, error)
}

// HardwarePort is the slice of the relay driver the API needs directly:
// opens during the select flow and health for /health.
type HardwarePort interface {
	OpenLocker(ctx context.Context, lockerID int) error
	Health() relay.HealthStats
}

// EventsPort is the SSE side of the events hub.
type EventsPort interface {
	Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error
}

// Auditor records state-changing API actions.
type Auditor interface {
	Log(actor, kioskID string, lockerID int, action string, params map[string]any, err error)
}
