package events

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// sseRecorder is a response writer safe for concurrent body reads while the
// hub's serve goroutine is writing.
type sseRecorder struct {
	mu     sync.Mutex
	header http.Header
	body   strings.Builder
}

func newSSERecorder() *sseRecorder {
	return &sseRecorder{header: make(http.Header)}
}

func (r *sseRecorder) Header() http.Header { return r.header }

func (r *sseRecorder) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.Write(p)
}

func (r *sseRecorder) WriteHeader(int) {}

func (r *sseRecorder) String() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body.String()
}

func waitForBody(t *testing.T, rec *sseRecorder, substr string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(rec.String(), substr) {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("body never contained %q:\n%s", substr, rec.String())
}

func TestPublishAssignsPerKioskIDs(t *testing.T) {
	h := NewHub(10)
	defer h.Stop()

	h.Publish(Event{Type: TypeLockerAssigned, Kiosk: "k1", Data: map[string]any{}})
	h.Publish(Event{Type: TypeLockerReleased, Kiosk: "k1", Data: map[string]any{}})
	h.Publish(Event{Type: TypeLockerAssigned, Kiosk: "k2", Data: map[string]any{}})

	if got := h.Buffered("k1"); got != 2 {
		t.Errorf("k1 buffered = %d, want 2", got)
	}
	if got := h.Buffered("k2"); got != 1 {
		t.Errorf("k2 buffered = %d, want 1", got)
	}

	evs := h.buffers["k1"].after(0)
	if evs[0].ID != 1 || evs[1].ID != 2 {
		t.Errorf("k1 ids = %d, %d, want 1, 2", evs[0].ID, evs[1].ID)
	}
	if h.buffers["k2"].after(0)[0].ID != 1 {
		t.Error("k2 ids must be independent of k1")
	}
}

func TestRingBufferCapsHistory(t *testing.T) {
	h := NewHub(3)
	defer h.Stop()

	for i := 0; i < 5; i++ {
		h.Publish(Event{Type: TypeSelectionProgress, Kiosk: "k1", Data: map[string]any{}})
	}
	if got := h.Buffered("k1"); got != 3 {
		t.Fatalf("buffered = %d, want 3", got)
	}
	evs := h.buffers["k1"].after(0)
	if evs[0].ID != 3 {
		t.Errorf("oldest retained id = %d, want 3", evs[0].ID)
	}
}

func TestSubscribeStreamsEvents(t *testing.T) {
	h := NewHub(10)

	rec := newSSERecorder()
	req := httptest.NewRequest("GET", "/api/v1/events?kiosk=k1", nil)
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	done := make(chan error, 1)
	go func() { done <- h.Subscribe(ctx, rec, req) }()

	waitForBody(t, rec, "event: ready")

	h.Publish(Event{Type: TypeLockerAssigned, Kiosk: "k1", Data: map[string]any{"lockerId": 7}})
	h.Publish(Event{Type: TypeLockerAssigned, Kiosk: "k2", Data: map[string]any{"lockerId": 9}})

	waitForBody(t, rec, "locker_assigned")
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	body := rec.String()
	if !strings.Contains(body, `"lockerId":7`) {
		t.Errorf("missing k1 event in body:\n%s", body)
	}
	// The kiosk filter must drop the k2 event.
	if strings.Contains(body, `"lockerId":9`) {
		t.Errorf("k2 event leaked through filter:\n%s", body)
	}
	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "text/event-stream") {
		t.Errorf("content type = %q", ct)
	}
}

func TestSubscribeReplaysAfterLastEventID(t *testing.T) {
	h := NewHub(10)
	defer h.Stop()

	for i := 0; i < 3; i++ {
		h.Publish(Event{Type: TypeSelectionProgress, Kiosk: "k1", Data: map[string]any{"seq": i}})
	}

	rec := newSSERecorder()
	req := httptest.NewRequest("GET", "/api/v1/events?kiosk=k1", nil)
	req.Header.Set("Last-Event-ID", "1")
	ctx, cancel := context.WithCancel(req.Context())
	req = req.WithContext(ctx)

	done := make(chan error, 1)
	go func() { done <- h.Subscribe(ctx, rec, req) }()

	waitForBody(t, rec, `"seq":2`)
	cancel()
	<-done

	body := rec.String()
	if !strings.Contains(body, `"seq":1`) {
		t.Errorf("replay missing event after id 1:\n%s", body)
	}
	if strings.Contains(body, `"seq":0`) {
		t.Errorf("replayed event at or before Last-Event-ID:\n%s", body)
	}
}

func TestPublishDuringSubscriberChurn(t *testing.T) {
	h := NewHub(10)
	defer h.Stop()

	// A publisher hammering the hub while clients connect and drop. A
	// client channel closed on disconnect would panic the publish path.
	stopPub := make(chan struct{})
	var pubWG sync.WaitGroup
	pubWG.Add(1)
	go func() {
		defer pubWG.Done()
		for {
			select {
			case <-stopPub:
				return
			default:
				h.Publish(Event{Type: TypeSelectionProgress, Kiosk: "k1", Data: map[string]any{}})
			}
		}
	}()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec := newSSERecorder()
			req := httptest.NewRequest("GET", "/api/v1/events?kiosk=k1", nil)
			ctx, cancel := context.WithCancel(req.Context())
			req = req.WithContext(ctx)

			done := make(chan struct{})
			go func() {
				_ = h.Subscribe(ctx, rec, req)
				close(done)
			}()
			cancel()
			select {
			case <-done:
			case <-time.After(2 * time.Second):
				t.Error("subscriber did not exit after cancel")
			}
		}()
	}
	wg.Wait()
	close(stopPub)
	pubWG.Wait()
}

func TestStopDisconnectsClients(t *testing.T) {
	h := NewHub(10)

	rec := newSSERecorder()
	req := httptest.NewRequest("GET", "/api/v1/events", nil)

	done := make(chan error, 1)
	go func() { done <- h.Subscribe(req.Context(), rec, req) }()

	waitForBody(t, rec, "event: ready")
	h.Stop()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber did not exit on Stop")
	}
}
