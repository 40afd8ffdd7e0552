package locker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/locker-control/lcc/internal/clock"
	"github.com/locker-control/lcc/internal/events"
	"github.com/locker-control/lcc/internal/store"
)

// memStore is an in-memory LockerStore honoring the CAS contract, so the
// concurrency tests exercise real lost-update races.
type memStore struct {
	mu      sync.Mutex
	lockers map[string]*store.Locker
}

func newMemStore() *memStore {
	return &memStore{lockers: make(map[string]*store.Locker)}
}

func key(kioskID string, id int) string {
	return fmt.Sprintf("%s/%d", kioskID, id)
}

func (m *memStore) Get(_ context.Context, kioskID string, id int) (*store.Locker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.lockers[key(kioskID, id)]
	if !ok {
		return nil, nil
	}
	cp := *l
	return &cp, nil
}

func (m *memStore) List(_ context.Context, kioskID string) ([]*store.Locker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Locker
	for _, l := range m.lockers {
		if l.KioskID == kioskID {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) ListByStatus(_ context.Context, kioskID string, status store.LockerStatus) ([]*store.Locker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Locker
	for _, l := range m.lockers {
		if l.KioskID == kioskID && l.Status == status {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) FindOwned(_ context.Context, ownerKey string, ownerType store.OwnerType) (*store.Locker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, l := range m.lockers {
		if l.OwnerKey == ownerKey && l.OwnerType == ownerType &&
			(l.Status == store.StatusReserved || l.Status == store.StatusOwned) {
			cp := *l
			return &cp, nil
		}
	}
	return nil, nil
}

func (m *memStore) ListReservedBefore(_ context.Context, kioskID string, cutoff time.Time) ([]*store.Locker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Locker
	for _, l := range m.lockers {
		if l.KioskID == kioskID && l.Status == store.StatusReserved &&
			l.ReservedAt != nil && l.ReservedAt.Before(cutoff) {
			cp := *l
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *memStore) Provision(_ context.Context, l *store.Locker) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := key(l.KioskID, l.ID)
	if _, ok := m.lockers[k]; ok {
		return store.ErrDuplicate
	}
	cp := *l
	cp.Version = 0
	m.lockers[k] = &cp
	return nil
}

func (m *memStore) Update(_ context.Context, l *store.Locker, expectedVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.lockers[key(l.KioskID, l.ID)]
	if !ok {
		return store.ErrNotFound
	}
	if cur.Version != expectedVersion {
		return store.ErrVersionConflict
	}
	// Cross-row uniqueness, mirroring the sqlite partial unique index: an
	// identity may hold at most one non-VIP locker in {reserved, owned}.
	if l.OwnerKey != "" && !l.IsVIP &&
		(l.Status == store.StatusReserved || l.Status == store.StatusOwned) {
		for k, other := range m.lockers {
			if k == key(l.KioskID, l.ID) || other.IsVIP {
				continue
			}
			if other.OwnerKey == l.OwnerKey && other.OwnerType == l.OwnerType &&
				(other.Status == store.StatusReserved || other.Status == store.StatusOwned) {
				return store.ErrVersionConflict
			}
		}
	}
	cp := *l
	cp.Version = expectedVersion + 1
	m.lockers[key(l.KioskID, l.ID)] = &cp
	l.Version = cp.Version
	return nil
}

type fakeOpener struct {
	mu    sync.Mutex
	calls []int
	err   error
}

func (f *fakeOpener) OpenLocker(_ context.Context, lockerID int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, lockerID)
	return f.err
}

func (f *fakeOpener) opened() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.calls...)
}

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (p *capturePublisher) Publish(e events.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *capturePublisher) types() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []string
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}

func newTestService(t *testing.T) (*Service, *memStore, *fakeOpener, *capturePublisher, *clock.Manual) {
	t.Helper()
	ms := newMemStore()
	op := &fakeOpener{}
	pub := &capturePublisher{}
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewService(ms, op, pub, clk), ms, op, pub, clk
}

func provision(t *testing.T, ms *memStore, kioskID string, id int, vip bool) {
	t.Helper()
	err := ms.Provision(context.Background(), &store.Locker{
		KioskID: kioskID,
		ID:      id,
		Status:  store.StatusFree,
		IsVIP:   vip,
	})
	if err != nil {
		t.Fatalf("provision locker %d: %v", id, err)
	}
}

func TestAssignConfirmReleaseRoundTrip(t *testing.T) {
	svc, ms, _, pub, _ := newTestService(t)
	ctx := context.Background()
	provision(t, ms, "k1", 5, false)

	ok, err := svc.AssignLocker(ctx, "k1", 5, store.OwnerRFID, "abc123abc123abcd")
	if err != nil || !ok {
		t.Fatalf("assign: ok=%v err=%v", ok, err)
	}
	l, err := svc.GetLocker(ctx, "k1", 5)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if l.Status != store.StatusReserved || l.ReservedAt == nil || l.OwnedAt != nil {
		t.Fatalf("after assign: status=%s reservedAt=%v ownedAt=%v", l.Status, l.ReservedAt, l.OwnedAt)
	}

	if err := svc.ConfirmOwnership(ctx, "k1", 5); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	l, _ = svc.GetLocker(ctx, "k1", 5)
	if l.Status != store.StatusOwned || l.OwnedAt == nil {
		t.Fatalf("after confirm: status=%s ownedAt=%v", l.Status, l.OwnedAt)
	}

	if err := svc.ReleaseLocker(ctx, "k1", 5, "abc123abc123abcd", store.OwnerRFID); err != nil {
		t.Fatalf("release: %v", err)
	}
	l, _ = svc.GetLocker(ctx, "k1", 5)
	if l.Status != store.StatusFree || l.OwnerKey != "" || l.ReservedAt != nil || l.OwnedAt != nil {
		t.Fatalf("after release: %+v", l)
	}

	// Three mutations, three version bumps.
	if l.Version != 3 {
		t.Fatalf("version = %d, want 3", l.Version)
	}

	got := pub.types()
	want := []string{events.TypeLockerAssigned, events.TypeLockerReleased}
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events = %v, want %v", got, want)
		}
	}
}

func TestAssignRejectsNonFreeLocker(t *testing.T) {
	svc, ms, _, _, _ := newTestService(t)
	ctx := context.Background()
	provision(t, ms, "k1", 5, false)
	provision(t, ms, "k1", 6, false)

	if ok, _ := svc.AssignLocker(ctx, "k1", 5, store.OwnerRFID, "aaaa111122223333"); !ok {
		t.Fatal("first assign should win")
	}
	ok, err := svc.AssignLocker(ctx, "k1", 5, store.OwnerRFID, "bbbb111122223333")
	if err != nil {
		t.Fatalf("second assign errored: %v", err)
	}
	if ok {
		t.Fatal("second assign of a reserved locker must fail")
	}

	l, _ := svc.GetLocker(ctx, "k1", 5)
	if l.OwnerKey != "aaaa111122223333" {
		t.Fatalf("owner changed: %s", l.OwnerKey)
	}
}

func TestOneIdentityOneLocker(t *testing.T) {
	svc, ms, _, _, _ := newTestService(t)
	ctx := context.Background()
	provision(t, ms, "k1", 5, false)
	provision(t, ms, "k1", 6, false)

	if ok, _ := svc.AssignLocker(ctx, "k1", 5, store.OwnerRFID, "abc123abc123abcd"); !ok {
		t.Fatal("first assign should win")
	}
	ok, err := svc.AssignLocker(ctx, "k1", 6, store.OwnerRFID, "abc123abc123abcd")
	if err != nil {
		t.Fatalf("second assign errored: %v", err)
	}
	if ok {
		t.Fatal("identity already holding locker 5 must not get locker 6")
	}
	l6, _ := svc.GetLocker(ctx, "k1", 6)
	if l6.Status != store.StatusFree {
		t.Fatalf("locker 6 status = %s, want free", l6.Status)
	}
}

func TestVIPOwnershipDoesNotBlockPublicAssign(t *testing.T) {
	svc, ms, _, _, _ := newTestService(t)
	ctx := context.Background()
	provision(t, ms, "k1", 1, true)
	provision(t, ms, "k1", 2, false)

	if ok, _ := svc.AssignLocker(ctx, "k1", 1, store.OwnerVIP, "cccc111122223333"); !ok {
		t.Fatal("vip assign should win")
	}
	ok, err := svc.AssignLocker(ctx, "k1", 2, store.OwnerVIP, "cccc111122223333")
	if err != nil || !ok {
		t.Fatalf("public assign alongside vip contract: ok=%v err=%v", ok, err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	svc, ms, _, _, _ := newTestService(t)
	ctx := context.Background()
	provision(t, ms, "k1", 5, false)

	if _, err := svc.AssignLocker(ctx, "k1", 5, store.OwnerRFID, "abc123abc123abcd"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := svc.ReleaseLocker(ctx, "k1", 5, "", ""); err != nil {
		t.Fatalf("first release: %v", err)
	}
	if err := svc.ReleaseLocker(ctx, "k1", 5, "", ""); err != nil {
		t.Fatalf("second release should no-op: %v", err)
	}
	l, _ := svc.GetLocker(ctx, "k1", 5)
	// Idempotent: the second release does not bump the version.
	if l.Version != 2 {
		t.Fatalf("version = %d, want 2", l.Version)
	}
}

func TestReleaseOwnerMismatch(t *testing.T) {
	svc, ms, _, _, _ := newTestService(t)
	ctx := context.Background()
	provision(t, ms, "k1", 5, false)

	if _, err := svc.AssignLocker(ctx, "k1", 5, store.OwnerRFID, "abc123abc123abcd"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	err := svc.ReleaseLocker(ctx, "k1", 5, "ffff111122223333", store.OwnerRFID)
	if !errors.Is(err, ErrOwnerMismatch) {
		t.Fatalf("err = %v, want ErrOwnerMismatch", err)
	}
}

func TestConcurrentAssignExactlyOneWins(t *testing.T) {
	svc, ms, _, _, _ := newTestService(t)
	ctx := context.Background()
	provision(t, ms, "k1", 5, false)

	const racers = 8
	results := make(chan bool, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := svc.AssignLocker(ctx, "k1", 5, store.OwnerRFID, fmt.Sprintf("%016x", i+1))
			if err != nil && !errors.Is(err, ErrConflict) {
				t.Errorf("assign %d: %v", i, err)
			}
			results <- ok && err == nil
		}(i)
	}
	wg.Wait()
	close(results)

	winners := 0
	for ok := range results {
		if ok {
			winners++
		}
	}
	if winners != 1 {
		t.Fatalf("winners = %d, want exactly 1", winners)
	}
}

// latencyStore delays writes so read-then-write interleavings that are
// instantaneous against the bare map actually overlap, as they do against
// sqlite.
type latencyStore struct {
	*memStore
}

func (s *latencyStore) Update(ctx context.Context, l *store.Locker, expectedVersion int64) error {
	time.Sleep(time.Millisecond)
	return s.memStore.Update(ctx, l, expectedVersion)
}

func TestConcurrentAssignDistinctLockersOneWins(t *testing.T) {
	ms := newMemStore()
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	svc := NewService(&latencyStore{memStore: ms}, &fakeOpener{}, &capturePublisher{}, clk)
	ctx := context.Background()
	provision(t, ms, "k1", 5, false)
	provision(t, ms, "k1", 6, false)

	const ownerKey = "abc123abc123abcd"
	for round := 0; round < 20; round++ {
		results := make(chan bool, 2)
		var wg sync.WaitGroup
		for _, id := range []int{5, 6} {
			wg.Add(1)
			go func(id int) {
				defer wg.Done()
				ok, err := svc.AssignLocker(ctx, "k1", id, store.OwnerRFID, ownerKey)
				if err != nil && !errors.Is(err, ErrConflict) {
					t.Errorf("assign %d: %v", id, err)
				}
				results <- ok && err == nil
			}(id)
		}
		wg.Wait()
		close(results)

		winners := 0
		for ok := range results {
			if ok {
				winners++
			}
		}
		if winners != 1 {
			t.Fatalf("round %d: winners = %d, want exactly 1 locker per identity", round, winners)
		}

		held, err := ms.FindOwned(ctx, ownerKey, store.OwnerRFID)
		if err != nil || held == nil {
			t.Fatalf("round %d: find owned = (%v, %v)", round, held, err)
		}
		if err := svc.ReleaseLocker(ctx, "k1", held.ID, ownerKey, store.OwnerRFID); err != nil {
			t.Fatalf("round %d: release: %v", round, err)
		}
	}
}

func TestOpenForOwnerReleasesPublicLocker(t *testing.T) {
	svc, ms, op, _, _ := newTestService(t)
	ctx := context.Background()
	provision(t, ms, "k1", 5, false)

	if _, err := svc.AssignLocker(ctx, "k1", 5, store.OwnerRFID, "abc123abc123abcd"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	l, _ := svc.GetLocker(ctx, "k1", 5)
	if err := svc.OpenForOwner(ctx, l, false); err != nil {
		t.Fatalf("open: %v", err)
	}
	if got := op.opened(); len(got) != 1 || got[0] != 5 {
		t.Fatalf("opened = %v", got)
	}
	l, _ = svc.GetLocker(ctx, "k1", 5)
	if l.Status != store.StatusFree {
		t.Fatalf("status = %s, want free", l.Status)
	}
}

func TestOpenForOwnerKeepsVIPOwned(t *testing.T) {
	svc, ms, op, _, _ := newTestService(t)
	ctx := context.Background()
	provision(t, ms, "k1", 1, true)

	if _, err := svc.AssignLocker(ctx, "k1", 1, store.OwnerVIP, "cccc111122223333"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	l, _ := svc.GetLocker(ctx, "k1", 1)
	if err := svc.OpenForOwner(ctx, l, false); err != nil {
		t.Fatalf("open: %v", err)
	}
	l, _ = svc.GetLocker(ctx, "k1", 1)
	if l.Status != store.StatusOwned {
		t.Fatalf("status = %s, want owned after non-forced vip open", l.Status)
	}

	// Forced open gives the slot up.
	if err := svc.OpenForOwner(ctx, l, true); err != nil {
		t.Fatalf("forced open: %v", err)
	}
	l, _ = svc.GetLocker(ctx, "k1", 1)
	if l.Status != store.StatusFree {
		t.Fatalf("status = %s, want free after forced open", l.Status)
	}
	if got := op.opened(); len(got) != 2 {
		t.Fatalf("opened = %v, want two opens", got)
	}
}

func TestOpenFailureMarksLockerError(t *testing.T) {
	svc, ms, op, pub, _ := newTestService(t)
	ctx := context.Background()
	provision(t, ms, "k1", 5, false)
	op.err = errors.New("bus timeout")

	if _, err := svc.AssignLocker(ctx, "k1", 5, store.OwnerRFID, "abc123abc123abcd"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	l, _ := svc.GetLocker(ctx, "k1", 5)
	if err := svc.OpenForOwner(ctx, l, false); err == nil {
		t.Fatal("open should fail")
	}
	l, _ = svc.GetLocker(ctx, "k1", 5)
	if l.Status != store.StatusError || l.OwnerKey != "" {
		t.Fatalf("after failed open: status=%s owner=%q", l.Status, l.OwnerKey)
	}

	found := false
	for _, typ := range pub.types() {
		if typ == events.TypeLockerError {
			found = true
		}
	}
	if !found {
		t.Fatal("locker_error event not published")
	}
}

func TestMasterOpenBypassesOwnership(t *testing.T) {
	svc, ms, op, _, _ := newTestService(t)
	ctx := context.Background()
	provision(t, ms, "k1", 1, true)

	if _, err := svc.AssignLocker(ctx, "k1", 1, store.OwnerVIP, "cccc111122223333"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := svc.MasterOpen(ctx, "k1", 1); err != nil {
		t.Fatalf("master open: %v", err)
	}
	l, _ := svc.GetLocker(ctx, "k1", 1)
	if l.Status != store.StatusFree {
		t.Fatalf("status = %s, want free after master open", l.Status)
	}
	if got := op.opened(); len(got) != 1 {
		t.Fatalf("opened = %v", got)
	}
}

func TestCleanupDisabledByDefault(t *testing.T) {
	svc, ms, _, _, clk := newTestService(t)
	ctx := context.Background()
	provision(t, ms, "k1", 5, false)

	if _, err := svc.AssignLocker(ctx, "k1", 5, store.OwnerRFID, "abc123abc123abcd"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	clk.Advance(24 * time.Hour)

	n, err := svc.CleanupExpiredReservations(ctx, "k1")
	if err != nil || n != 0 {
		t.Fatalf("cleanup: n=%d err=%v, want no-op", n, err)
	}
	l, _ := svc.GetLocker(ctx, "k1", 5)
	if l.Status != store.StatusReserved {
		t.Fatalf("status = %s, reservation must survive when cleanup is off", l.Status)
	}
}

func TestCleanupReleasesOnlyExpired(t *testing.T) {
	svc, ms, _, _, clk := newTestService(t)
	ctx := context.Background()
	svc.EnableReservationCleanup(15 * time.Minute)
	provision(t, ms, "k1", 5, false)
	provision(t, ms, "k1", 6, false)

	if _, err := svc.AssignLocker(ctx, "k1", 5, store.OwnerRFID, "aaaa111122223333"); err != nil {
		t.Fatalf("assign 5: %v", err)
	}
	clk.Advance(20 * time.Minute)
	if _, err := svc.AssignLocker(ctx, "k1", 6, store.OwnerRFID, "bbbb111122223333"); err != nil {
		t.Fatalf("assign 6: %v", err)
	}

	n, err := svc.CleanupExpiredReservations(ctx, "k1")
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if n != 1 {
		t.Fatalf("released = %d, want 1", n)
	}
	l5, _ := svc.GetLocker(ctx, "k1", 5)
	l6, _ := svc.GetLocker(ctx, "k1", 6)
	if l5.Status != store.StatusFree || l6.Status != store.StatusReserved {
		t.Fatalf("l5=%s l6=%s", l5.Status, l6.Status)
	}
}

func TestScanAgainToRelease(t *testing.T) {
	svc, ms, _, _, _ := newTestService(t)
	ctx := context.Background()
	provision(t, ms, "k1", 5, false)
	provision(t, ms, "k1", 6, false)

	if _, err := svc.AssignLocker(ctx, "k1", 5, store.OwnerRFID, "abc123abc123abcd"); err != nil {
		t.Fatalf("assign: %v", err)
	}
	held, err := svc.CheckExistingOwnership(ctx, "abc123abc123abcd", store.OwnerRFID)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if held == nil || held.ID != 5 {
		t.Fatalf("held = %+v, want locker 5", held)
	}
	if err := svc.ReleaseLocker(ctx, held.KioskID, held.ID, "abc123abc123abcd", store.OwnerRFID); err != nil {
		t.Fatalf("release: %v", err)
	}
	held, _ = svc.CheckExistingOwnership(ctx, "abc123abc123abcd", store.OwnerRFID)
	if held != nil {
		t.Fatalf("held = %+v after release, want nil", held)
	}
}
