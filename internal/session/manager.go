// Package session manages the kiosk's locker-selection window: after a
// successful scan the user gets a bounded interval to pick a locker on the
// touchscreen. One active session per kiosk; a new scan preempts the old
// session exactly once.
package session

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/locker-control/lcc/internal/clock"
	"github.com/locker-control/lcc/internal/events"
	"github.com/locker-control/lcc/internal/store"
)

var (
	// ErrNoSession means no selection is active on the kiosk.
	ErrNoSession = errors.New("session: no active session")
	// ErrSessionExpired means the window elapsed. The user can scan again.
	ErrSessionExpired = errors.New("session: expired")
	// ErrLockerNotOffered means the chosen locker was not part of the
	// session's offer.
	ErrLockerNotOffered = errors.New("session: locker not offered")
	// ErrSessionMismatch means the request named a stale session id.
	ErrSessionMismatch = errors.New("session: id mismatch")
)

// Session is a point-in-time snapshot of one selection window.
type Session struct {
	ID        string
	KioskID   string
	OwnerKey  string
	OwnerType store.OwnerType
	LockerIDs []int
	ExpiresAt time.Time
}

type active struct {
	Session
	offered map[int]bool
	done    chan struct{}
	once    sync.Once
}

func (a *active) finish() {
	a.once.Do(func() { close(a.done) })
}

// Manager owns the per-kiosk selection state. All state is in-memory; a
// restart simply drops open windows and users scan again.
type Manager struct {
	timeout time.Duration
	tick    time.Duration
	hub     events.Publisher
	clk     clock.Clock

	mu       sync.Mutex
	sessions map[string]*active
	wg       sync.WaitGroup
}

// NewManager creates a session manager with the given selection timeout and
// countdown tick interval.
func NewManager(timeout, tick time.Duration, hub events.Publisher, clk clock.Clock) *Manager {
	if clk == nil {
		clk = clock.System{}
	}
	return &Manager{
		timeout:  timeout,
		tick:     tick,
		hub:      hub,
		clk:      clk,
		sessions: make(map[string]*active),
	}
}

// Create starts a selection window on the kiosk, preempting any session
// already running there. The preempted session is cancelled exactly once.
func (m *Manager) Create(kioskID, ownerKey string, ownerType store.OwnerType, lockerIDs []int) *Session {
	now := m.clk.Now()

	s := &active{
		Session: Session{
			ID:        uuid.NewString(),
			KioskID:   kioskID,
			OwnerKey:  ownerKey,
			OwnerType: ownerType,
			LockerIDs: append([]int(nil), lockerIDs...),
			ExpiresAt: now.Add(m.timeout),
		},
		offered: make(map[int]bool, len(lockerIDs)),
		done:    make(chan struct{}),
	}
	for _, id := range lockerIDs {
		s.offered[id] = true
	}

	m.mu.Lock()
	prev := m.sessions[kioskID]
	m.sessions[kioskID] = s
	m.mu.Unlock()

	if prev != nil {
		prev.finish()
		m.publish(events.TypeSelectionCancelled, kioskID, map[string]any{
			"sessionId": prev.ID,
			"reason":    "preempted",
		})
	}

	m.publish(events.TypeSelectionStarted, kioskID, map[string]any{
		"sessionId":      s.ID,
		"lockerIds":      s.LockerIDs,
		"timeoutSeconds": m.timeout.Seconds(),
	})

	m.wg.Add(1)
	go m.countdown(s)

	snap := s.Session
	return &snap
}

// Complete consumes the session after the user picked a locker. The caller
// performs the actual assignment; the session only vouches that the pick
// was offered and in time.
func (m *Manager) Complete(kioskID, sessionID string, lockerID int) (*Session, error) {
	m.mu.Lock()
	s := m.sessions[kioskID]
	if s == nil {
		m.mu.Unlock()
		return nil, ErrNoSession
	}
	if sessionID != "" && s.ID != sessionID {
		m.mu.Unlock()
		return nil, ErrSessionMismatch
	}
	if m.clk.Now().After(s.ExpiresAt) {
		delete(m.sessions, kioskID)
		m.mu.Unlock()
		s.finish()
		m.publish(events.TypeSelectionExpired, kioskID, map[string]any{"sessionId": s.ID})
		return nil, ErrSessionExpired
	}
	if !s.offered[lockerID] {
		m.mu.Unlock()
		return nil, ErrLockerNotOffered
	}
	delete(m.sessions, kioskID)
	m.mu.Unlock()

	s.finish()
	m.publish(events.TypeSelectionCompleted, kioskID, map[string]any{
		"sessionId": s.ID,
		"lockerId":  lockerID,
	})
	snap := s.Session
	return &snap, nil
}

// Cancel ends the session without a pick.
func (m *Manager) Cancel(kioskID, sessionID string) error {
	m.mu.Lock()
	s := m.sessions[kioskID]
	if s == nil {
		m.mu.Unlock()
		return ErrNoSession
	}
	if sessionID != "" && s.ID != sessionID {
		m.mu.Unlock()
		return ErrSessionMismatch
	}
	delete(m.sessions, kioskID)
	m.mu.Unlock()

	s.finish()
	m.publish(events.TypeSelectionCancelled, kioskID, map[string]any{
		"sessionId": s.ID,
		"reason":    "user",
	})
	return nil
}

// Active returns a snapshot of the kiosk's running session, or nil.
func (m *Manager) Active(kioskID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.sessions[kioskID]
	if s == nil {
		return nil
	}
	snap := s.Session
	return &snap
}

// Stop cancels all sessions and waits for countdown goroutines to exit.
func (m *Manager) Stop() {
	m.mu.Lock()
	for kioskID, s := range m.sessions {
		delete(m.sessions, kioskID)
		s.finish()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

// countdown publishes remaining-time progress each tick and expires the
// session when the window elapses.
func (m *Manager) countdown(s *active) {
	defer m.wg.Done()
	ticker := time.NewTicker(m.tick)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			remaining := s.ExpiresAt.Sub(m.clk.Now())
			if remaining <= 0 {
				m.expire(s)
				return
			}
			m.publish(events.TypeSelectionProgress, s.KioskID, map[string]any{
				"sessionId":        s.ID,
				"remainingSeconds": int(remaining.Seconds()),
			})
		}
	}
}

func (m *Manager) expire(s *active) {
	m.mu.Lock()
	// Only expire if this session is still the kiosk's current one; a
	// preempting Create may have replaced it between ticks.
	if cur := m.sessions[s.KioskID]; cur == s {
		delete(m.sessions, s.KioskID)
	} else {
		m.mu.Unlock()
		s.finish()
		return
	}
	m.mu.Unlock()

	s.finish()
	m.publish(events.TypeSelectionExpired, s.KioskID, map[string]any{"sessionId": s.ID})
}

func (m *Manager) publish(eventType, kioskID string, data map[string]any) {
	if m.hub == nil {
		return
	}
	m.hub.Publish(events.Event{Type: eventType, Kiosk: kioskID, Data: data})
}
