// Package relay drives the locker relay cards over a shared Modbus-RTU
// serial bus: coil pulses to unlatch doors, retries with bounded backoff,
// minimum inter-command spacing, and rolling health tracking.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/locker-control/lcc/internal/config"
	"github.com/locker-control/lcc/internal/events"
)

// Waveshare relay cards treat coil address 0x00FF as the all-channel
// control used for reset.
const allChannelCoil = 0x00FF

// Options carries the driver's timing and retry knobs.
type Options struct {
	PulseDuration  time.Duration
	BurstWindow    time.Duration
	BurstInterval  time.Duration
	CommandSpacing time.Duration
	CommandTimeout time.Duration
	MaxRetries     int
	BackoffBase    time.Duration
	BackoffMax     time.Duration

	HealthWindow    int
	HealthErrorRate float64

	// BuzzerSlave/BuzzerCoil address the kiosk buzzer relay (1-based coil).
	BuzzerSlave uint8
	BuzzerCoil  uint16
}

// OptionsFromConfig derives driver options from app config.
func OptionsFromConfig(cfg *config.Config) Options {
	return Options{
		PulseDuration:   cfg.PulseDuration,
		BurstWindow:     cfg.BurstWindow,
		BurstInterval:   cfg.BurstInterval,
		CommandSpacing:  cfg.CommandSpacing,
		CommandTimeout:  cfg.CommandTimeout,
		MaxRetries:      cfg.RelayMaxRetries,
		BackoffBase:     cfg.RelayBackoffBase,
		BackoffMax:      cfg.RelayBackoffMax,
		HealthWindow:    cfg.HealthWindowSize,
		HealthErrorRate: cfg.HealthErrorRate,
		BuzzerSlave:     1,
		BuzzerCoil:      1,
	}
}

// Driver is the single owner of the serial bus. All logical callers funnel
// through its mutex; nothing else may touch the port.
type Driver struct {
	opts   Options
	plan   *config.ZonePlan
	hub    events.Publisher
	kiosk  string
	health *health

	mu      sync.Mutex
	port    Port
	opener  PortOpener
	lastCmd time.Time

	// sleep is swapped out in tests to avoid real delays.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewDriver creates a relay driver. The port is opened lazily on first use
// and reopened after connection errors.
func NewDriver(opts Options, plan *config.ZonePlan, opener PortOpener, hub events.Publisher, kiosk string) *Driver {
	return &Driver{
		opts:   opts,
		plan:   plan,
		hub:    hub,
		kiosk:  kiosk,
		opener: opener,
		health: newHealth(opts.HealthWindow, opts.HealthErrorRate),
		sleep:  sleepCtx,
	}
}

// OpenLocker pulses the locker's relay coil: energize, hold for the pulse
// duration, release.
func (d *Driver) OpenLocker(ctx context.Context, lockerID int) error {
	slave, coil, err := d.plan.Resolve(lockerID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}
	return d.pulse(ctx, slave, coil-1, fmt.Sprintf("open locker %d", lockerID))
}

// PerformBurstOpening repeats the pulse across the burst window, for
// stubborn latches and soak tests.
func (d *Driver) PerformBurstOpening(ctx context.Context, lockerID int) error {
	slave, coil, err := d.plan.Resolve(lockerID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}
	deadline := time.Now().Add(d.opts.BurstWindow)
	label := fmt.Sprintf("burst open locker %d", lockerID)
	for {
		if err := d.pulse(ctx, slave, coil-1, label); err != nil {
			return err
		}
		if time.Now().Add(d.opts.BurstInterval).After(deadline) {
			return nil
		}
		if err := d.sleep(ctx, d.opts.BurstInterval); err != nil {
			return err
		}
	}
}

// CloseLocker drops the locker's coil. Latching strikes release on the
// falling edge, so this is also the recovery path after a stuck pulse.
func (d *Driver) CloseLocker(ctx context.Context, lockerID int) error {
	slave, coil, err := d.plan.Resolve(lockerID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRange, err)
	}
	return d.setCoil(ctx, slave, coil-1, false, fmt.Sprintf("close locker %d", lockerID))
}

// Reset drops every coil on each card of the zone (empty zoneID = all).
func (d *Driver) Reset(ctx context.Context, zoneID string) error {
	for _, z := range d.plan.Zones {
		if zoneID != "" && z.ID != zoneID {
			continue
		}
		lockers := z.LastLocker - z.FirstLocker + 1
		cards := (lockers + z.ChannelsPerCard - 1) / z.ChannelsPerCard
		for card := 0; card < cards; card++ {
			slave := uint8(z.SlaveBase + card)
			if err := d.setCoil(ctx, slave, allChannelCoil, false, fmt.Sprintf("reset zone %s card %d", z.ID, card)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Buzzer pulses the kiosk buzzer relay.
func (d *Driver) Buzzer(ctx context.Context) error {
	return d.pulse(ctx, d.opts.BuzzerSlave, d.opts.BuzzerCoil-1, "buzzer")
}

// TestConnectivity probes the bus with a one-coil read against the first
// card. This is the only sanctioned way to decide "offline": idle time is
// never evidence of failure.
func (d *Driver) TestConnectivity(ctx context.Context) error {
	if len(d.plan.Zones) == 0 {
		return fmt.Errorf("%w: no zones configured", ErrInternal)
	}
	slave := uint8(d.plan.Zones[0].SlaveBase)
	req := buildReadCoils(slave, 0, 1)
	// slave + func + byte count + 1 data byte + crc16
	if err := d.execute(ctx, req, 6, "connectivity probe"); err != nil {
		if d.health.markUnavailable() {
			d.publish(events.TypeHardwareUnavailable, map[string]any{"reason": err.Error()})
		}
		return err
	}
	return nil
}

// Health returns the current health counters.
func (d *Driver) Health() HealthStats {
	return d.health.snapshot()
}

// Close releases the serial port.
func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.port == nil {
		return nil
	}
	err := d.port.Close()
	d.port = nil
	return err
}

func (d *Driver) pulse(ctx context.Context, slave uint8, coilAddr uint16, label string) error {
	if err := d.setCoil(ctx, slave, coilAddr, true, label); err != nil {
		return err
	}
	if err := d.sleep(ctx, d.opts.PulseDuration); err != nil {
		// Never leave a coil energized: release even on cancellation.
		_ = d.setCoil(context.Background(), slave, coilAddr, false, label)
		return err
	}
	return d.setCoil(ctx, slave, coilAddr, false, label)
}

// setCoil writes one coil with retries and bounded exponential backoff.
func (d *Driver) setCoil(ctx context.Context, slave uint8, coilAddr uint16, on bool, label string) error {
	req := buildWriteSingleCoil(slave, coilAddr, on)
	// Write-single-coil responses echo the 8-byte request.
	err := d.execute(ctx, req, len(req), label)
	if err == nil {
		return nil
	}
	d.publish(events.TypeOperationFailed, map[string]any{
		"operation": label,
		"error":     err.Error(),
	})
	if d.health.markUnavailable() {
		d.publish(events.TypeHardwareUnavailable, map[string]any{"operation": label})
	}
	return err
}

// execute runs one request with the retry/backoff policy, updating health
// counters and emitting per-attempt command_error events.
func (d *Driver) execute(ctx context.Context, req []byte, respLen int, label string) error {
	var lastErr error
	for attempt := 0; attempt <= d.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := d.opts.BackoffBase << (attempt - 1)
			if backoff > d.opts.BackoffMax {
				backoff = d.opts.BackoffMax
			}
			if err := d.sleep(ctx, backoff); err != nil {
				return err
			}
		}

		err := d.transact(ctx, req, respLen)
		now := time.Now().UTC()
		if err == nil {
			if d.health.recordSuccess(now) {
				d.publish(events.TypeReconnected, map[string]any{"operation": label})
			}
			return nil
		}
		lastErr = err

		connection := errors.Is(err, ErrUnavailable)
		if d.health.recordFailure(now, connection) {
			d.publish(events.TypeHealthDegraded, map[string]any{
				"errorRate": d.health.snapshot().ErrorRate,
			})
		}
		d.publish(events.TypeCommandError, map[string]any{
			"operation": label,
			"attempt":   attempt + 1,
			"error":     err.Error(),
		})
	}
	return lastErr
}

// transact performs one bus exchange under the driver mutex, honoring the
// minimum inter-command spacing.
func (d *Driver) transact(ctx context.Context, req []byte, respLen int) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if wait := d.opts.CommandSpacing - time.Since(d.lastCmd); wait > 0 {
		if err := d.sleep(ctx, wait); err != nil {
			return err
		}
	}

	if d.port == nil {
		p, err := d.opener()
		if err != nil {
			d.lastCmd = time.Now()
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		d.port = p
	}

	tctx, cancel := context.WithTimeout(ctx, d.opts.CommandTimeout)
	defer cancel()

	resp, err := d.port.Transact(tctx, req, respLen)
	d.lastCmd = time.Now()
	if err != nil {
		// Connection-level failure: drop the port so the next attempt
		// reopens it.
		_ = d.port.Close()
		d.port = nil
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	if err := checkResponse(req, resp); err != nil {
		if errors.Is(err, ErrInvalidRange) || errors.Is(err, ErrBusy) ||
			errors.Is(err, ErrUnavailable) || errors.Is(err, ErrInternal) {
			return err
		}
		return fmt.Errorf("%w: %v", ErrInternal, err)
	}
	return nil
}

func (d *Driver) publish(eventType string, data map[string]any) {
	if d.hub == nil {
		return
	}
	d.hub.Publish(events.Event{Type: eventType, Kiosk: d.kiosk, Data: data})
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
