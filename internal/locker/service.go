// Package locker implements the locker-ownership state machine. Every
// mutation is a compare-and-swap on (kioskID, lockerID, version): read,
// apply, write WHERE version = expected. A lost race is retried once from
// a fresh read; no in-process lock spans I/O, so correctness holds across
// any number of processes.
package locker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/locker-control/lcc/internal/clock"
	"github.com/locker-control/lcc/internal/events"
	"github.com/locker-control/lcc/internal/store"
)

var (
	// ErrNotFound means the locker row does not exist.
	ErrNotFound = errors.New("locker: not found")
	// ErrOwnerMismatch means the presented identity does not hold the locker.
	ErrOwnerMismatch = errors.New("locker: owner mismatch")
	// ErrConflict means repeated CAS attempts all lost the race. Retryable by
	// the caller from scratch.
	ErrConflict = errors.New("locker: concurrent update, retry")
)

// casAttempts bounds how often a mutation re-reads after losing a race.
const casAttempts = 2

// Opener abstracts the relay driver for physical opens.
type Opener interface {
	OpenLocker(ctx context.Context, lockerID int) error
}

// Service is the ownership ledger. Every flow (RFID, QR, staff override,
// VIP, hardware-failure handling) mutates lockers only through it.
type Service struct {
	lockers store.LockerStore
	opener  Opener
	hub     events.Publisher
	clk     clock.Clock

	cleanupEnabled bool
	reservationTTL time.Duration
}

// NewService creates the state machine. Reservation cleanup stays disabled
// unless explicitly enabled: an always-on expiry has dropped legitimate
// in-progress assignments in the field.
func NewService(lockers store.LockerStore, opener Opener, hub events.Publisher, clk clock.Clock) *Service {
	if clk == nil {
		clk = clock.System{}
	}
	return &Service{lockers: lockers, opener: opener, hub: hub, clk: clk}
}

// EnableReservationCleanup arms the policy-gated expiry of stale
// reservations.
func (s *Service) EnableReservationCleanup(ttl time.Duration) {
	s.cleanupEnabled = true
	s.reservationTTL = ttl
}

// GetLocker returns the locker, or ErrNotFound.
func (s *Service) GetLocker(ctx context.Context, kioskID string, id int) (*store.Locker, error) {
	l, err := s.lockers.Get(ctx, kioskID, id)
	if err != nil {
		return nil, err
	}
	if l == nil {
		return nil, ErrNotFound
	}
	return l, nil
}

// ListFree returns the free lockers for a kiosk.
func (s *Service) ListFree(ctx context.Context, kioskID string) ([]*store.Locker, error) {
	return s.lockers.ListByStatus(ctx, kioskID, store.StatusFree)
}

// CheckExistingOwnership finds the locker held by this identity in
// {reserved, owned}, enabling "scan again to release". Returns (nil, nil)
// when the identity holds nothing.
func (s *Service) CheckExistingOwnership(ctx context.Context, ownerKey string, ownerType store.OwnerType) (*store.Locker, error) {
	return s.lockers.FindOwned(ctx, ownerKey, ownerType)
}

// AssignLocker reserves a free locker for an identity. Returns false
// without mutating anything when the locker is not free or the identity
// already holds another non-VIP locker.
func (s *Service) AssignLocker(ctx context.Context, kioskID string, id int, ownerType store.OwnerType, ownerKey string) (bool, error) {
	if ownerKey == "" {
		return false, fmt.Errorf("locker: empty owner key")
	}

	for attempt := 0; attempt < casAttempts; attempt++ {
		l, err := s.lockers.Get(ctx, kioskID, id)
		if err != nil {
			return false, err
		}
		if l == nil {
			return false, ErrNotFound
		}
		if l.Status != store.StatusFree {
			return false, nil
		}

		// One card, one locker: VIP contracts don't count against the rule.
		existing, err := s.lockers.FindOwned(ctx, ownerKey, ownerType)
		if err != nil {
			return false, err
		}
		if existing != nil && !existing.IsVIP {
			return false, nil
		}

		now := s.clk.Now().UTC()
		l.Status = store.StatusReserved
		l.OwnerType = ownerType
		l.OwnerKey = ownerKey
		l.ReservedAt = &now
		l.OwnedAt = nil

		err = s.lockers.Update(ctx, l, l.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return false, err
		}
		s.publish(events.TypeLockerAssigned, kioskID, map[string]any{
			"lockerId":  id,
			"ownerType": string(ownerType),
		})
		return true, nil
	}
	return false, ErrConflict
}

// ConfirmOwnership transitions reserved -> owned after a confirmed
// physical open.
func (s *Service) ConfirmOwnership(ctx context.Context, kioskID string, id int) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		l, err := s.lockers.Get(ctx, kioskID, id)
		if err != nil {
			return err
		}
		if l == nil {
			return ErrNotFound
		}
		if l.Status != store.StatusReserved {
			return fmt.Errorf("locker: confirm from %s", l.Status)
		}

		now := s.clk.Now().UTC()
		l.Status = store.StatusOwned
		l.OwnedAt = &now

		err = s.lockers.Update(ctx, l, l.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		return err
	}
	return ErrConflict
}

// ReleaseLocker returns a locker to the pool. Releasing an already-free
// locker is a no-op. When ownerKey is given it must match the current
// owner.
func (s *Service) ReleaseLocker(ctx context.Context, kioskID string, id int, ownerKey string, ownerType store.OwnerType) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		l, err := s.lockers.Get(ctx, kioskID, id)
		if err != nil {
			return err
		}
		if l == nil {
			return ErrNotFound
		}
		if l.Status == store.StatusFree {
			return nil
		}
		if l.Status != store.StatusReserved && l.Status != store.StatusOwned {
			return fmt.Errorf("locker: release from %s", l.Status)
		}
		if ownerKey != "" && (l.OwnerKey != ownerKey || l.OwnerType != ownerType) {
			return ErrOwnerMismatch
		}

		clearOwnership(l)

		err = s.lockers.Update(ctx, l, l.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		s.publish(events.TypeLockerReleased, kioskID, map[string]any{"lockerId": id})
		return nil
	}
	return ErrConflict
}

// OpenForOwner opens a locker the identity already holds. Non-forced opens
// of a VIP locker keep it owned: the contract slot is not given up by
// opening the door. Everything else (and every forced open) is
// open-then-release.
func (s *Service) OpenForOwner(ctx context.Context, l *store.Locker, force bool) error {
	if err := s.opener.OpenLocker(ctx, l.ID); err != nil {
		hwErr := s.HandleHardwareError(ctx, l.KioskID, l.ID, err.Error())
		if hwErr != nil {
			log.Printf("locker: hardware error handling failed for %s/%d: %v", l.KioskID, l.ID, hwErr)
		}
		return err
	}

	if l.IsVIP && !force {
		if l.Status == store.StatusReserved {
			return s.ConfirmOwnership(ctx, l.KioskID, l.ID)
		}
		return nil
	}
	return s.ReleaseLocker(ctx, l.KioskID, l.ID, l.OwnerKey, l.OwnerType)
}

// MasterOpen bypasses ownership checks: open, then release, VIP or not.
// Reachable only from authenticated staff flows.
func (s *Service) MasterOpen(ctx context.Context, kioskID string, id int) error {
	l, err := s.GetLocker(ctx, kioskID, id)
	if err != nil {
		return err
	}
	if err := s.opener.OpenLocker(ctx, id); err != nil {
		hwErr := s.HandleHardwareError(ctx, kioskID, id, err.Error())
		if hwErr != nil {
			log.Printf("locker: hardware error handling failed for %s/%d: %v", kioskID, id, hwErr)
		}
		return err
	}
	if l.Status == store.StatusReserved || l.Status == store.StatusOwned {
		return s.ReleaseLocker(ctx, kioskID, id, "", "")
	}
	return nil
}

// HandleHardwareError forces the locker into error state and clears
// ownership. Fail-safe: a locker is never left owned with unconfirmed
// physical state.
func (s *Service) HandleHardwareError(ctx context.Context, kioskID string, id int, reason string) error {
	for attempt := 0; attempt < casAttempts; attempt++ {
		l, err := s.lockers.Get(ctx, kioskID, id)
		if err != nil {
			return err
		}
		if l == nil {
			return ErrNotFound
		}

		clearOwnership(l)
		l.Status = store.StatusError

		err = s.lockers.Update(ctx, l, l.Version)
		if errors.Is(err, store.ErrVersionConflict) {
			continue
		}
		if err != nil {
			return err
		}
		s.publish(events.TypeLockerError, kioskID, map[string]any{
			"lockerId": id,
			"reason":   reason,
		})
		return nil
	}
	return ErrConflict
}

// CleanupExpiredReservations releases reservations older than the TTL.
// Policy-gated and off by default; a no-op unless explicitly enabled.
func (s *Service) CleanupExpiredReservations(ctx context.Context, kioskID string) (int, error) {
	if !s.cleanupEnabled {
		return 0, nil
	}
	cutoff := s.clk.Now().UTC().Add(-s.reservationTTL)
	stale, err := s.lockers.ListReservedBefore(ctx, kioskID, cutoff)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, l := range stale {
		if err := s.ReleaseLocker(ctx, l.KioskID, l.ID, "", ""); err != nil {
			// Losing the race here means someone legitimately progressed
			// the reservation; skip it.
			if errors.Is(err, ErrConflict) {
				continue
			}
			return released, err
		}
		released++
	}
	return released, nil
}

// RunCleanupSweeper ticks CleanupExpiredReservations until ctx is done.
// Returns immediately when cleanup is disabled.
func (s *Service) RunCleanupSweeper(ctx context.Context, kioskID string, every time.Duration) {
	if !s.cleanupEnabled {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.CleanupExpiredReservations(ctx, kioskID); err != nil {
				log.Printf("locker: reservation cleanup: %v", err)
			} else if n > 0 {
				log.Printf("locker: released %d expired reservations", n)
			}
		}
	}
}

func clearOwnership(l *store.Locker) {
	l.Status = store.StatusFree
	l.OwnerType = ""
	l.OwnerKey = ""
	l.ReservedAt = nil
	l.OwnedAt = nil
}

func (s *Service) publish(eventType, kioskID string, data map[string]any) {
	if s.hub == nil {
		return
	}
	s.hub.Publish(events.Event{Type: eventType, Kiosk: kioskID, Data: data})
}
