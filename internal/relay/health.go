package relay

import (
	"sync"
	"time"
)

// HealthStats is a point-in-time view of the driver's health counters.
type HealthStats struct {
	TotalCommands    int64   `json:"totalCommands"`
	FailedCommands   int64   `json:"failedCommands"`
	ConnectionErrors int64   `json:"connectionErrors"`
	ErrorRate        float64 `json:"errorRate"`
	Available        bool    `json:"available"`
	LastSuccess      *time.Time `json:"lastSuccess,omitempty"`
	LastFailure      *time.Time `json:"lastFailure,omitempty"`
}

// health tracks rolling command outcomes. Availability is derived from the
// windowed error rate and explicit connectivity probes only: a long quiet
// bus is healthy, not offline.
type health struct {
	mu sync.Mutex

	totalCommands    int64
	failedCommands   int64
	connectionErrors int64

	window    []bool // true = failure
	windowCap int

	threshold   float64
	unavailable bool // set by exhausted retries / failed probes

	lastSuccess *time.Time
	lastFailure *time.Time
}

func newHealth(windowCap int, threshold float64) *health {
	if windowCap <= 0 {
		windowCap = 20
	}
	return &health{windowCap: windowCap, threshold: threshold}
}

// recordSuccess notes a completed command. Returns true when this success
// brings the driver back from unavailable (a reconnect worth announcing).
func (h *health) recordSuccess(at time.Time) (reconnected bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.totalCommands++
	h.push(false)
	t := at
	h.lastSuccess = &t
	if h.unavailable {
		h.unavailable = false
		return true
	}
	return false
}

// recordFailure notes a failed command attempt. Returns true when the
// windowed error rate just crossed the degradation threshold.
func (h *health) recordFailure(at time.Time, connection bool) (degraded bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.totalCommands++
	h.failedCommands++
	if connection {
		h.connectionErrors++
	}
	before := h.rate()
	h.push(true)
	t := at
	h.lastFailure = &t
	after := h.rate()
	return before < h.threshold && after >= h.threshold
}

// markUnavailable flags the bus as down after exhausted retries or a failed
// probe. Returns true on the transition.
func (h *health) markUnavailable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.unavailable {
		return false
	}
	h.unavailable = true
	return true
}

func (h *health) snapshot() HealthStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return HealthStats{
		TotalCommands:    h.totalCommands,
		FailedCommands:   h.failedCommands,
		ConnectionErrors: h.connectionErrors,
		ErrorRate:        h.rate(),
		Available:        !h.unavailable && h.rate() < h.threshold,
		LastSuccess:      h.lastSuccess,
		LastFailure:      h.lastFailure,
	}
}

func (h *health) push(failed bool) {
	h.window = append(h.window, failed)
	if len(h.window) > h.windowCap {
		h.window = h.window[len(h.window)-h.windowCap:]
	}
}

func (h *health) rate() float64 {
	if len(h.window) == 0 {
		return 0
	}
	failed := 0
	for _, f := range h.window {
		if f {
			failed++
		}
	}
	return float64(failed) / float64(len(h.window))
}
