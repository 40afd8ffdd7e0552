// Package command runs the durable hardware-command queue. Commands are
// persisted before execution, claimed with conditional updates so multiple
// pollers never double-run one, retried with bounded backoff, and leave an
// append-only attempt trail.
package command

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/locker-control/lcc/internal/clock"
	"github.com/locker-control/lcc/internal/events"
	"github.com/locker-control/lcc/internal/store"
)

var (
	// ErrNotFound means the command id is unknown.
	ErrNotFound = errors.New("command: not found")
	// ErrNotCancellable means the command already left the pending state.
	ErrNotCancellable = errors.New("command: not cancellable")
	// ErrUnknownType means the command type has no executor mapping.
	ErrUnknownType = errors.New("command: unknown type")
)

// Executor is the hardware surface the queue drives. *relay.Driver
// satisfies it.
type Executor interface {
	OpenLocker(ctx context.Context, lockerID int) error
	PerformBurstOpening(ctx context.Context, lockerID int) error
	CloseLocker(ctx context.Context, lockerID int) error
	Reset(ctx context.Context, zoneID string) error
	Buzzer(ctx context.Context) error
}

// Payload is the JSON body of a queued command.
type Payload struct {
	LockerID int    `json:"lockerId,omitempty"`
	ZoneID   string `json:"zoneId,omitempty"`
	Burst    bool   `json:"burst,omitempty"`
}

// Options carries the queue's timing and retry knobs.
type Options struct {
	PollInterval time.Duration
	MaxRetries   int
	BackoffBase  time.Duration
	BackoffMax   time.Duration
	StaleAfter   time.Duration
	BatchSize    int
}

// Queue is the durable command queue for one kiosk.
type Queue struct {
	kiosk    string
	opts     Options
	commands store.CommandStore
	exec     Executor
	hub      events.Publisher
	clk      clock.Clock
}

// NewQueue creates a queue. Run must be started for commands to execute.
func NewQueue(kiosk string, opts Options, commands store.CommandStore, exec Executor, hub events.Publisher, clk clock.Clock) *Queue {
	if clk == nil {
		clk = clock.System{}
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 10
	}
	return &Queue{
		kiosk:    kiosk,
		opts:     opts,
		commands: commands,
		exec:     exec,
		hub:      hub,
		clk:      clk,
	}
}

// Enqueue persists a command for asynchronous execution and returns it.
func (q *Queue) Enqueue(ctx context.Context, typ store.CommandType, p Payload) (*store.PendingCommand, error) {
	body, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("command: encode payload: %w", err)
	}
	now := q.clk.Now().UTC()
	cmd := &store.PendingCommand{
		ID:            uuid.NewString(),
		KioskID:       q.kiosk,
		Type:          typ,
		Payload:       string(body),
		Status:        store.CommandPending,
		MaxRetries:    q.opts.MaxRetries,
		NextAttemptAt: now,
		CreatedAt:     now,
	}
	if err := q.commands.Create(ctx, cmd); err != nil {
		return nil, err
	}
	return cmd, nil
}

// Get returns the command, or ErrNotFound.
func (q *Queue) Get(ctx context.Context, id string) (*store.PendingCommand, error) {
	cmd, err := q.commands.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if cmd == nil {
		return nil, ErrNotFound
	}
	return cmd, nil
}

// Audit returns the command's attempt trail, oldest first.
func (q *Queue) Audit(ctx context.Context, id string) ([]*store.CommandAuditRecord, error) {
	return q.commands.AuditFor(ctx, id)
}

// Cancel stops a command that has not started executing.
func (q *Queue) Cancel(ctx context.Context, id string) error {
	cmd, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if cmd.Status != store.CommandPending {
		return ErrNotCancellable
	}
	cmd.Status = store.CommandCancelled
	err = q.commands.Update(ctx, cmd, cmd.Version)
	if errors.Is(err, store.ErrVersionConflict) {
		// A poller claimed it in the meantime.
		return ErrNotCancellable
	}
	return err
}

// Run recovers stale executions from a previous crash, then polls for due
// commands until ctx is done.
func (q *Queue) Run(ctx context.Context) {
	now := q.clk.Now().UTC()
	requeued, failed, err := q.commands.RecoverStale(ctx, now.Add(-q.opts.StaleAfter), now)
	if err != nil {
		log.Printf("command: stale recovery: %v", err)
	} else if requeued+failed > 0 {
		log.Printf("command: recovered stale executions: requeued=%d failed=%d", requeued, failed)
	}

	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := q.drain(ctx); err != nil {
				log.Printf("command: drain: %v", err)
			}
		}
	}
}

// drain claims and executes one batch of due commands.
func (q *Queue) drain(ctx context.Context) error {
	due, err := q.commands.Due(ctx, q.kiosk, q.clk.Now().UTC(), q.opts.BatchSize)
	if err != nil {
		return err
	}
	for _, cmd := range due {
		if err := q.runOne(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// runOne claims a single pending command and executes one attempt.
func (q *Queue) runOne(ctx context.Context, cmd *store.PendingCommand) error {
	cmd.Status = store.CommandExecuting
	err := q.commands.Update(ctx, cmd, cmd.Version)
	if errors.Is(err, store.ErrVersionConflict) {
		// Claimed (or cancelled) by someone else; not our command anymore.
		return nil
	}
	if err != nil {
		return err
	}

	attempt := cmd.RetryCount + 1
	started := q.clk.Now()
	execErr := q.execute(ctx, cmd)
	duration := q.clk.Since(started)
	durationMs := duration.Milliseconds()

	outcome := "success"
	if execErr != nil {
		outcome = execErr.Error()
	}
	if err := q.commands.AppendAudit(ctx, &store.CommandAuditRecord{
		CommandID:  cmd.ID,
		KioskID:    cmd.KioskID,
		Attempt:    attempt,
		Outcome:    outcome,
		DurationMs: durationMs,
		At:         q.clk.Now().UTC(),
	}); err != nil {
		log.Printf("command: append audit for %s: %v", cmd.ID, err)
	}

	now := q.clk.Now().UTC()
	if execErr == nil {
		cmd.Status = store.CommandCompleted
		cmd.CompletedAt = &now
		cmd.DurationMs = &durationMs
		cmd.LastError = ""
		return q.commands.Update(ctx, cmd, cmd.Version)
	}

	cmd.LastError = execErr.Error()
	cmd.RetryCount++
	q.publish(events.TypeCommandError, map[string]any{
		"commandId": cmd.ID,
		"type":      string(cmd.Type),
		"attempt":   attempt,
		"error":     execErr.Error(),
	})

	if cmd.RetryCount > cmd.MaxRetries {
		cmd.Status = store.CommandFailed
		cmd.CompletedAt = &now
		if err := q.commands.Update(ctx, cmd, cmd.Version); err != nil {
			return err
		}
		q.publish(events.TypeOperationFailed, map[string]any{
			"commandId": cmd.ID,
			"type":      string(cmd.Type),
			"error":     execErr.Error(),
		})
		return nil
	}

	cmd.Status = store.CommandPending
	cmd.NextAttemptAt = now.Add(q.backoff(cmd.RetryCount))
	return q.commands.Update(ctx, cmd, cmd.Version)
}

// execute dispatches one attempt to the hardware.
func (q *Queue) execute(ctx context.Context, cmd *store.PendingCommand) error {
	var p Payload
	if cmd.Payload != "" {
		if err := json.Unmarshal([]byte(cmd.Payload), &p); err != nil {
			return fmt.Errorf("command: decode payload: %w", err)
		}
	}
	switch cmd.Type {
	case store.CommandOpen:
		if p.Burst {
			return q.exec.PerformBurstOpening(ctx, p.LockerID)
		}
		return q.exec.OpenLocker(ctx, p.LockerID)
	case store.CommandClose:
		return q.exec.CloseLocker(ctx, p.LockerID)
	case store.CommandReset:
		return q.exec.Reset(ctx, p.ZoneID)
	case store.CommandBuzzer:
		return q.exec.Buzzer(ctx)
	default:
		return fmt.Errorf("%w: %s", ErrUnknownType, cmd.Type)
	}
}

func (q *Queue) backoff(retry int) time.Duration {
	d := q.opts.BackoffBase << (retry - 1)
	if d > q.opts.BackoffMax {
		d = q.opts.BackoffMax
	}
	return d
}

func (q *Queue) publish(eventType string, data map[string]any) {
	if q.hub == nil {
		return
	}
	q.hub.Publish(events.Event{Type: eventType, Kiosk: q.kiosk, Data: data})
}
