// Package identity turns noisy card/QR scans into stable, privacy-preserving
// owner keys. Raw UIDs are standardized, hashed, and never persisted; short
// reads go through a per-kiosk double-tap confirmation window.
package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"sync"
	"time"

	"github.com/locker-control/lcc/internal/clock"
)

// Scan rejection kinds. These surface verbatim as API reason codes.
const (
	KindInvalidUID           = "INVALID_UID"
	KindShortUID             = "SHORT_UID"
	KindConfirmationRequired = "CONFIRMATION_REQUIRED"
	KindConfirmationMismatch = "CONFIRMATION_MISMATCH"
)

// Standardization bounds.
const (
	maxHexChars = 64
	// Scans with fewer significant digits than this are noise, not a
	// short read. No confirmation window is offered.
	minPlausibleDigits = 4
	// Pre-hashed owner keys are exactly this long.
	ownerKeyLength = 16
)

// ScanError is a structured scan rejection for user messaging and audit.
type ScanError struct {
	Kind   string
	Detail map[string]any
}

func (e *ScanError) Error() string {
	return "identity: " + e.Kind
}

type pendingScan struct {
	standardized string
	at           time.Time
}

// Normalizer resolves raw scans to owner keys. The confirmation window
// state is in-memory, per kiosk, guarded by a mutex (no I/O under it).
type Normalizer struct {
	minSignificant int
	window         time.Duration
	clk            clock.Clock

	mu      sync.Mutex
	pending map[string]pendingScan
}

// NewNormalizer creates a normalizer requiring minSignificant hex digits,
// with the given confirmation window for short reads.
func NewNormalizer(minSignificant int, window time.Duration, clk clock.Clock) *Normalizer {
	if clk == nil {
		clk = clock.System{}
	}
	return &Normalizer{
		minSignificant: minSignificant,
		window:         window,
		clk:            clk,
		pending:        make(map[string]pendingScan),
	}
}

// Standardize cleans a raw scan: strip non-hex, uppercase, left-pad to even
// length, cap at 64 hex chars. Returns the standardized value and its
// effective (post leading-zero trim) length.
func Standardize(raw string) (standardized string, effectiveLength int) {
	var b strings.Builder
	for _, r := range strings.ToUpper(raw) {
		if (r >= '0' && r <= '9') || (r >= 'A' && r <= 'F') {
			b.WriteRune(r)
		}
	}
	s := b.String()
	if len(s) > maxHexChars {
		s = s[:maxHexChars]
	}
	if len(s)%2 != 0 {
		s = "0" + s
	}
	return s, len(strings.TrimLeft(s, "0"))
}

// IsOwnerKey reports whether s is already a 16-hex owner key. Such inputs
// bypass standardization entirely, an explicit escape hatch for callers
// that hashed upstream, not a fallback.
func IsOwnerKey(s string) bool {
	if len(s) != ownerKeyLength {
		return false
	}
	for _, r := range strings.ToLower(s) {
		if (r < '0' || r > '9') && (r < 'a' || r > 'f') {
			return false
		}
	}
	return true
}

// Resolve turns a raw scan into an owner key, or a *ScanError.
//
// Short reads (significant digits below the configured minimum) arm a
// per-kiosk confirmation window: an identical scan inside the window
// confirms intent and proceeds; a different short scan resets the window
// and reports the mismatch; silence past the window drops the state.
func (n *Normalizer) Resolve(kioskID, raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if IsOwnerKey(raw) {
		return strings.ToLower(raw), nil
	}

	standardized, effective := Standardize(raw)
	if effective == 0 {
		return "", &ScanError{Kind: KindInvalidUID, Detail: map[string]any{
			"rawLength": len(raw),
		}}
	}
	if effective < minPlausibleDigits {
		return "", &ScanError{Kind: KindShortUID, Detail: map[string]any{
			"effectiveLength": effective,
			"minimum":         n.minSignificant,
		}}
	}
	if effective < n.minSignificant {
		switch n.confirm(kioskID, standardized) {
		case confirmOK:
			// Double-tap confirmed intent; proceed.
		case confirmArmed:
			return "", &ScanError{Kind: KindConfirmationRequired, Detail: map[string]any{
				"effectiveLength": effective,
				"windowSeconds":   n.window.Seconds(),
			}}
		case confirmMismatch:
			return "", &ScanError{Kind: KindConfirmationMismatch, Detail: map[string]any{
				"effectiveLength": effective,
				"windowSeconds":   n.window.Seconds(),
			}}
		}
	}

	return OwnerKey(standardized), nil
}

// OwnerKey hashes a standardized UID: SHA-256, hex, truncated to 16 chars.
func OwnerKey(standardized string) string {
	sum := sha256.Sum256([]byte(standardized))
	return hex.EncodeToString(sum[:])[:ownerKeyLength]
}

type confirmResult int

const (
	confirmOK confirmResult = iota
	confirmArmed
	confirmMismatch
)

// confirm runs the double-tap protocol for one short scan.
func (n *Normalizer) confirm(kioskID, standardized string) confirmResult {
	now := n.clk.Now()

	n.mu.Lock()
	defer n.mu.Unlock()

	p, armed := n.pending[kioskID]
	if armed && now.Sub(p.at) > n.window {
		// Silence past the window dropped the state.
		delete(n.pending, kioskID)
		armed = false
	}

	if armed {
		if p.standardized == standardized {
			delete(n.pending, kioskID)
			return confirmOK
		}
		// A differing scan resets the window around the new value.
		n.pending[kioskID] = pendingScan{standardized: standardized, at: now}
		return confirmMismatch
	}

	n.pending[kioskID] = pendingScan{standardized: standardized, at: now}
	return confirmArmed
}
