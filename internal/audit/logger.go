// Package audit writes an append-only JSONL trail of every state-changing
// action: scans, assignments, releases, hardware commands, staff overrides.
// One JSON object per line, fsynced per entry.
package audit

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/locker-control/lcc/internal/relay"
)

// Outcome codes recorded per entry.
const (
	CodeSuccess      = "SUCCESS"
	CodeInvalidRange = "INVALID_RANGE"
	CodeBusy         = "BUSY"
	CodeUnavailable  = "UNAVAILABLE"
	CodeConflict     = "CONFLICT"
	CodeRejected     = "REJECTED"
	CodeError        = "ERROR"
)

// Entry is one audit record.
type Entry struct {
	Timestamp time.Time      `json:"ts"`
	Actor     string         `json:"actor"`
	KioskID   string         `json:"kioskId"`
	LockerID  int            `json:"lockerId,omitempty"`
	Action    string         `json:"action"`
	Params    map[string]any `json:"params,omitempty"`
	Outcome   string         `json:"outcome"`
	Code      string         `json:"code"`
}

// Logger appends entries to audit.jsonl under the configured directory.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
}

// NewLogger opens (creating if needed) the append-only audit file.
func NewLogger(dir string) (*Logger, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create audit directory: %w", err)
	}
	filePath := filepath.Join(dir, "audit.jsonl")
	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Logger{filePath: filePath, file: file}, nil
}

// Log records one action. Actor is the authenticated subject, "kiosk" for
// unattended flows. A nil err is a success.
func (l *Logger) Log(actor, kioskID string, lockerID int, action string, params map[string]any, err error) {
	outcome := "success"
	if err != nil {
		outcome = err.Error()
	}
	l.write(Entry{
		Timestamp: time.Now().UTC(),
		Actor:     actor,
		KioskID:   kioskID,
		LockerID:  lockerID,
		Action:    action,
		Params:    params,
		Outcome:   outcome,
		Code:      CodeFromError(err),
	})
}

// LogEntry records a fully-formed entry, stamping the time if unset.
func (l *Logger) LogEntry(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	l.write(e)
}

func (l *Logger) write(e Entry) {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.Marshal(e)
	if err != nil {
		fmt.Fprintf(os.Stderr, "audit: marshal entry: %v\n", err)
		return
	}
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "audit: write entry: %v\n", err)
		return
	}
	if err := l.file.Sync(); err != nil {
		fmt.Fprintf(os.Stderr, "audit: sync: %v\n", err)
	}
}

// CodeFromError maps hardware sentinels and nil to outcome codes.
func CodeFromError(err error) string {
	switch {
	case err == nil:
		return CodeSuccess
	case errors.Is(err, relay.ErrInvalidRange):
		return CodeInvalidRange
	case errors.Is(err, relay.ErrBusy):
		return CodeBusy
	case errors.Is(err, relay.ErrUnavailable):
		return CodeUnavailable
	default:
		return CodeError
	}
}

// FilePath returns the audit file location.
func (l *Logger) FilePath() string {
	return l.filePath
}

// Rotate renames the current file aside with a timestamp suffix and starts
// a fresh one.
func (l *Logger) Rotate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Close(); err != nil {
			return fmt.Errorf("close audit log: %w", err)
		}
	}
	rotated := fmt.Sprintf("%s.%s", l.filePath, time.Now().Format("20060102-150405"))
	if err := os.Rename(l.filePath, rotated); err != nil {
		return fmt.Errorf("rotate audit log: %w", err)
	}
	file, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("reopen audit log: %w", err)
	}
	l.file = file
	return nil
}

// Close flushes and closes the audit file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
