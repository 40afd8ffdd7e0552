// Package events distributes typed kiosk events (hardware health, locker
// transitions, selection countdowns) to SSE subscribers, with a per-kiosk
// ring buffer for Last-Event-ID resume.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Event types published by the container.
const (
	TypeReady               = "ready"
	TypeCommandError        = "command_error"
	TypeOperationFailed     = "operation_failed"
	TypeHardwareUnavailable = "hardware_unavailable"
	TypeHealthDegraded      = "health_degraded"
	TypeReconnected         = "reconnected"
	TypeLockerAssigned      = "locker_assigned"
	TypeLockerReleased      = "locker_released"
	TypeLockerError         = "locker_error"
	TypeSelectionStarted    = "selection_started"
	TypeSelectionProgress   = "selection_progress"
	TypeSelectionCompleted  = "selection_completed"
	TypeSelectionCancelled  = "selection_cancelled"
	TypeSelectionExpired    = "selection_expired"
)

// Event is one hub message with SSE formatting.
type Event struct {
	ID    int64          `json:"id,omitempty"`
	Type  string         `json:"type"`
	Kiosk string         `json:"kiosk,omitempty"`
	Data  map[string]any `json:"data"`
}

// Publisher is the outbound side of the hub, implemented by *Hub and by
// test fakes.
type Publisher interface {
	Publish(event Event)
}

// client's events channel is never closed: Publish may hold a snapshot of
// clients taken before a disconnect, so only the cancelled context may end
// delivery.
type client struct {
	id     string
	writer http.ResponseWriter
	ctx    context.Context
	cancel context.CancelFunc
	events chan Event
	mu     sync.Mutex // protects writer
}

// Hub fan-outs events to SSE clients. Per-emitter ordering is preserved:
// Publish assigns monotonic ids per kiosk and buffers before delivery.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*client
	buffers map[string]*ringBuffer
	nextID  map[string]*int64

	bufferSize int

	done chan struct{}
	once sync.Once
}

// NewHub creates a hub whose per-kiosk buffers hold bufferSize events.
func NewHub(bufferSize int) *Hub {
	if bufferSize <= 0 {
		bufferSize = 50
	}
	return &Hub{
		clients:    make(map[string]*client),
		buffers:    make(map[string]*ringBuffer),
		nextID:     make(map[string]*int64),
		bufferSize: bufferSize,
		done:       make(chan struct{}),
	}
}

// Publish assigns an id, buffers, and fans the event out. Slow clients are
// skipped rather than allowed to block the publisher.
func (h *Hub) Publish(event Event) {
	if event.ID == 0 {
		event.ID = h.next(event.Kiosk)
	}
	if event.Kiosk != "" {
		h.buffer(event)
	}

	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		select {
		case <-c.ctx.Done():
		case <-h.done:
			return
		case c.events <- event:
		case <-time.After(100 * time.Millisecond):
			// Drop for this client rather than stall the bus.
		}
	}
}

// Subscribe handles an SSE client until it disconnects. Honors
// Last-Event-ID for replay and the ?kiosk= query filter.
func (h *Hub) Subscribe(ctx context.Context, w http.ResponseWriter, r *http.Request) error {
	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientCtx, cancel := context.WithCancel(ctx)
	c := &client{
		id:     fmt.Sprintf("client_%d", time.Now().UnixNano()),
		writer: w,
		ctx:    clientCtx,
		cancel: cancel,
		events: make(chan Event, 100),
	}

	kiosk := r.URL.Query().Get("kiosk")

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	if err := h.send(c, Event{ID: h.next(kiosk), Type: TypeReady, Kiosk: kiosk, Data: map[string]any{}}); err != nil {
		h.unregister(c)
		return fmt.Errorf("send ready event: %w", err)
	}

	if lastStr := r.Header.Get("Last-Event-ID"); lastStr != "" && kiosk != "" {
		if last, err := strconv.ParseInt(lastStr, 10, 64); err == nil && last > 0 {
			if err := h.replay(c, kiosk, last); err != nil {
				h.unregister(c)
				return fmt.Errorf("replay events: %w", err)
			}
		}
	}

	h.serve(c, kiosk)
	return nil
}

// Stop disconnects all clients and refuses further delivery.
func (h *Hub) Stop() {
	h.once.Do(func() { close(h.done) })

	h.mu.Lock()
	clients := make([]*client, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.cancel()
	}
}

// Buffered returns the number of buffered events for a kiosk. For tests.
func (h *Hub) Buffered(kiosk string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	b, ok := h.buffers[kiosk]
	if !ok {
		return 0
	}
	return b.size()
}

func (h *Hub) serve(c *client, kiosk string) {
	defer h.unregister(c)

	heartbeat := time.NewTicker(15 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-h.done:
			return
		case ev := <-c.events:
			if kiosk != "" && ev.Kiosk != "" && ev.Kiosk != kiosk {
				continue
			}
			if err := h.send(c, ev); err != nil {
				return
			}
		case <-heartbeat.C:
			c.mu.Lock()
			_, err := fmt.Fprint(c.writer, ": heartbeat\n\n")
			if err == nil {
				if f, ok := c.writer.(http.Flusher); ok {
					f.Flush()
				}
			}
			c.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) send(c *client, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ev.ID > 0 {
		if _, err := fmt.Fprintf(c.writer, "id: %d\n", ev.ID); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(c.writer, "event: %s\n", ev.Type); err != nil {
		return err
	}
	data, err := json.Marshal(ev.Data)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(c.writer, "data: %s\n\n", data); err != nil {
		return err
	}
	if f, ok := c.writer.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}

func (h *Hub) replay(c *client, kiosk string, lastID int64) error {
	h.mu.RLock()
	b, ok := h.buffers[kiosk]
	h.mu.RUnlock()
	if !ok {
		return nil
	}
	for _, ev := range b.after(lastID) {
		if err := h.send(c, ev); err != nil {
			return err
		}
	}
	return nil
}

func (h *Hub) unregister(c *client) {
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.cancel()
}

func (h *Hub) next(kiosk string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	n, ok := h.nextID[kiosk]
	if !ok {
		var v int64
		n = &v
		h.nextID[kiosk] = n
	}
	*n++
	return *n
}

func (h *Hub) buffer(ev Event) {
	h.mu.Lock()
	b, ok := h.buffers[ev.Kiosk]
	if !ok {
		b = newRingBuffer(h.bufferSize)
		h.buffers[ev.Kiosk] = b
	}
	h.mu.Unlock()
	b.add(ev)
}

// ringBuffer keeps the most recent events for one kiosk.
type ringBuffer struct {
	mu       sync.RWMutex
	events   []Event
	capacity int
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{capacity: capacity}
}

func (b *ringBuffer) add(ev Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.events = append(b.events, ev)
	if len(b.events) > b.capacity {
		b.events = b.events[len(b.events)-b.capacity:]
	}
}

func (b *ringBuffer) after(lastID int64) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []Event
	for _, ev := range b.events {
		if ev.ID > lastID {
			out = append(out, ev)
		}
	}
	return out
}

func (b *ringBuffer) size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.events)
}
