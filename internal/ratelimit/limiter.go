// Package ratelimit guards the scan and command surfaces with token
// buckets at three scopes (source IP, locker, device) plus a persistent
// hard-block escalation for repeat offenders. Buckets are in-memory;
// blocks live in the store so they survive restarts.
package ratelimit

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/locker-control/lcc/internal/clock"
	"github.com/locker-control/lcc/internal/store"
)

// Scopes, ordered by spend priority.
const (
	ScopeIP     = "ip"
	ScopeLocker = "locker"
	ScopeDevice = "device"
)

// Limits carries the limiter's knobs.
type Limits struct {
	IPPerMinute     int
	LockerPerMinute int
	DeviceEvery     time.Duration

	ViolationThreshold int
	BlockDuration      time.Duration
	BucketIdleTTL      time.Duration
}

// Decision is the outcome of one Check.
type Decision struct {
	Allowed    bool
	Scope      string        // scope that denied, empty when allowed
	RetryAfter time.Duration // hint for the Retry-After header
	Blocked    bool          // denial came from a hard block
}

type bucket struct {
	tokens   float64
	capacity float64
	perSec   float64
	last     time.Time
	lastUsed time.Time
}

// take refills by elapsed time and spends one token if available.
func (b *bucket) take(now time.Time) (bool, time.Duration) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.perSec
		if b.tokens > b.capacity {
			b.tokens = b.capacity
		}
		b.last = now
	}
	b.lastUsed = now
	if b.tokens >= 1 {
		b.tokens--
		return true, 0
	}
	wait := time.Duration((1 - b.tokens) / b.perSec * float64(time.Second))
	return false, wait
}

// Limiter applies the scoped buckets and block escalation.
type Limiter struct {
	limits     Limits
	violations store.ViolationStore
	clk        clock.Clock

	mu      sync.Mutex
	buckets map[string]*bucket
}

// NewLimiter creates a limiter backed by the given violation store.
func NewLimiter(limits Limits, violations store.ViolationStore, clk clock.Clock) *Limiter {
	if clk == nil {
		clk = clock.System{}
	}
	return &Limiter{
		limits:     limits,
		violations: violations,
		clk:        clk,
		buckets:    make(map[string]*bucket),
	}
}

// Check spends tokens scope by scope (ip, then locker, then device) and
// stops at the first denial. Empty ip/deviceID and lockerID <= 0 skip
// their scope.
func (l *Limiter) Check(ctx context.Context, ip string, lockerID int, deviceID string) (*Decision, error) {
	type probe struct {
		scope   string
		key     string
		cap     float64
		perSec  float64
		enabled bool
	}
	probes := []probe{
		{
			scope:   ScopeIP,
			key:     ScopeIP + ":" + ip,
			cap:     float64(l.limits.IPPerMinute),
			perSec:  float64(l.limits.IPPerMinute) / 60,
			enabled: ip != "",
		},
		{
			scope:   ScopeLocker,
			key:     fmt.Sprintf("%s:%d", ScopeLocker, lockerID),
			cap:     float64(l.limits.LockerPerMinute),
			perSec:  float64(l.limits.LockerPerMinute) / 60,
			enabled: lockerID > 0,
		},
		{
			scope:   ScopeDevice,
			key:     ScopeDevice + ":" + deviceID,
			cap:     1,
			perSec:  1 / l.limits.DeviceEvery.Seconds(),
			enabled: deviceID != "",
		},
	}

	now := l.clk.Now()
	for _, p := range probes {
		if !p.enabled {
			continue
		}

		if d, err := l.checkBlock(ctx, p.scope, p.key, now); err != nil {
			return nil, err
		} else if d != nil {
			return d, nil
		}

		ok, wait := l.spend(p.key, p.cap, p.perSec, now)
		if ok {
			continue
		}
		blocked, blockWait, err := l.recordViolation(ctx, p.scope, p.key, now)
		if err != nil {
			return nil, err
		}
		if blocked {
			wait = blockWait
		}
		return &Decision{Scope: p.scope, RetryAfter: wait, Blocked: blocked}, nil
	}
	return &Decision{Allowed: true}, nil
}

// Reset clears the bucket and any violation record for a key, for staff
// unblock flows.
func (l *Limiter) Reset(ctx context.Context, scope, identifier string) error {
	key := scope + ":" + identifier
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
	return l.violations.Delete(ctx, key)
}

// RunSweeper drops idle buckets and expired violation rows until ctx is
// done.
func (l *Limiter) RunSweeper(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.sweepBuckets()
			now := l.clk.Now()
			if _, err := l.violations.Sweep(ctx, now, now.Add(-l.limits.BucketIdleTTL)); err != nil {
				log.Printf("ratelimit: violation sweep: %v", err)
			}
		}
	}
}

func (l *Limiter) sweepBuckets() {
	cutoff := l.clk.Now().Add(-l.limits.BucketIdleTTL)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(l.buckets, key)
		}
	}
}

func (l *Limiter) spend(key string, capacity, perSec float64, now time.Time) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: capacity, capacity: capacity, perSec: perSec, last: now}
		l.buckets[key] = b
	}
	return b.take(now)
}

// checkBlock returns a denial decision when the key carries an unexpired
// hard block. Expired blocks are cleared in passing.
func (l *Limiter) checkBlock(ctx context.Context, scope, key string, now time.Time) (*Decision, error) {
	v, err := l.violations.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	if v == nil || !v.IsBlocked {
		return nil, nil
	}
	if v.BlockExpiresAt != nil && !now.Before(*v.BlockExpiresAt) {
		if err := l.violations.Delete(ctx, key); err != nil {
			return nil, err
		}
		return nil, nil
	}
	wait := l.limits.BlockDuration
	if v.BlockExpiresAt != nil {
		wait = v.BlockExpiresAt.Sub(now)
	}
	return &Decision{Scope: scope, RetryAfter: wait, Blocked: true}, nil
}

// recordViolation bumps the key's violation count, escalating to a hard
// block at the threshold.
func (l *Limiter) recordViolation(ctx context.Context, scope, key string, now time.Time) (bool, time.Duration, error) {
	v, err := l.violations.Get(ctx, key)
	if err != nil {
		return false, 0, err
	}
	if v == nil {
		v = &store.Violation{Key: key, LimitType: scope, FirstViolation: now}
	}
	v.Count++
	v.LastViolation = now
	if v.Count >= l.limits.ViolationThreshold {
		v.IsBlocked = true
		expires := now.Add(l.limits.BlockDuration)
		v.BlockExpiresAt = &expires
	}
	if err := l.violations.Upsert(ctx, v); err != nil {
		return false, 0, err
	}
	if v.IsBlocked {
		return true, l.limits.BlockDuration, nil
	}
	return false, 0, nil
}
