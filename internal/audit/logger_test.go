package audit

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/locker-control/lcc/internal/relay"
)

func readEntries(t *testing.T, path string) []Entry {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatalf("open audit file: %v", err)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			t.Fatalf("bad audit line %q: %v", scanner.Text(), err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		t.Fatalf("scan: %v", err)
	}
	return entries
}

func TestLogWritesJSONLines(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer l.Close()

	l.Log("kiosk", "k1", 5, "assign", map[string]any{"ownerType": "rfid"}, nil)
	l.Log("staff@door", "k1", 5, "master_open", nil, relay.ErrUnavailable)

	entries := readEntries(t, l.FilePath())
	if len(entries) != 2 {
		t.Fatalf("entries = %d, want 2", len(entries))
	}
	first := entries[0]
	if first.Actor != "kiosk" || first.Action != "assign" || first.LockerID != 5 {
		t.Fatalf("first = %+v", first)
	}
	if first.Code != CodeSuccess || first.Outcome != "success" {
		t.Fatalf("first code/outcome = %s/%s", first.Code, first.Outcome)
	}
	if first.Timestamp.IsZero() {
		t.Fatal("timestamp missing")
	}
	second := entries[1]
	if second.Code != CodeUnavailable {
		t.Fatalf("second code = %s, want %s", second.Code, CodeUnavailable)
	}
}

func TestCodeFromError(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{nil, CodeSuccess},
		{relay.ErrInvalidRange, CodeInvalidRange},
		{fmt.Errorf("wrapped: %w", relay.ErrBusy), CodeBusy},
		{relay.ErrUnavailable, CodeUnavailable},
		{errors.New("boom"), CodeError},
	}
	for _, c := range cases {
		if got := CodeFromError(c.err); got != c.want {
			t.Errorf("CodeFromError(%v) = %s, want %s", c.err, got, c.want)
		}
	}
}

func TestRotateStartsFreshFile(t *testing.T) {
	dir := t.TempDir()
	l, err := NewLogger(dir)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer l.Close()

	l.Log("kiosk", "k1", 1, "open", nil, nil)
	if err := l.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	l.Log("kiosk", "k1", 2, "open", nil, nil)

	entries := readEntries(t, l.FilePath())
	if len(entries) != 1 || entries[0].LockerID != 2 {
		t.Fatalf("post-rotate entries = %+v", entries)
	}
}
