package identity

import (
	"errors"
	"testing"
	"time"

	"github.com/locker-control/lcc/internal/clock"
)

func newTestNormalizer() (*Normalizer, *clock.Manual) {
	clk := clock.NewManual(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewNormalizer(8, 4*time.Second, clk), clk
}

func scanKind(t *testing.T, err error) string {
	t.Helper()
	var scanErr *ScanError
	if !errors.As(err, &scanErr) {
		t.Fatalf("err = %v, want *ScanError", err)
	}
	return scanErr.Kind
}

func TestStandardize(t *testing.T) {
	cases := []struct {
		raw           string
		want          string
		wantEffective int
	}{
		{"04:A1:B2:C3", "04A1B2C3", 7},
		{"04 a1 b2 c3", "04A1B2C3", 7},
		{"a1b2c3d4", "A1B2C3D4", 8},
		{"ABC", "0ABC", 3},
		{"0000", "0000", 0},
		{"zz!!", "", 0},
	}
	for _, c := range cases {
		got, effective := Standardize(c.raw)
		if got != c.want || effective != c.wantEffective {
			t.Errorf("Standardize(%q) = (%q, %d), want (%q, %d)",
				c.raw, got, effective, c.want, c.wantEffective)
		}
	}
}

func TestStandardizeCapsLength(t *testing.T) {
	long := ""
	for i := 0; i < 40; i++ {
		long += "AB"
	}
	got, _ := Standardize(long)
	if len(got) != 64 {
		t.Fatalf("len = %d, want 64", len(got))
	}
}

func TestResolveFullLengthUID(t *testing.T) {
	n, _ := newTestNormalizer()
	key, err := n.Resolve("k1", "04:A1:B2:C3:D4:E5")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if len(key) != 16 {
		t.Fatalf("key = %q, want 16 hex chars", key)
	}
	// Same card, different separators, same key.
	key2, err := n.Resolve("k1", "04a1b2c3d4e5")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if key != key2 {
		t.Fatalf("keys differ: %q vs %q", key, key2)
	}
}

func TestResolveOwnerKeyVerbatim(t *testing.T) {
	n, _ := newTestNormalizer()
	key, err := n.Resolve("k1", "ABC123ABC123ABCD")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if key != "abc123abc123abcd" {
		t.Fatalf("key = %q, pre-hashed input must pass through lowered", key)
	}
}

func TestResolveRejectsInvalidAndShort(t *testing.T) {
	n, _ := newTestNormalizer()

	if _, err := n.Resolve("k1", "!!--"); scanKind(t, err) != KindInvalidUID {
		t.Fatalf("kind = %s, want INVALID_UID", scanKind(t, err))
	}
	// 3 significant digits: noise, not a short read.
	if _, err := n.Resolve("k1", "ABC"); scanKind(t, err) != KindShortUID {
		t.Fatalf("kind = %s, want SHORT_UID", scanKind(t, err))
	}
}

func TestShortScanConfirmationFlow(t *testing.T) {
	n, _ := newTestNormalizer()

	// 6 significant digits: below the 8 minimum, above the noise floor.
	_, err := n.Resolve("k1", "A1B2C3")
	if scanKind(t, err) != KindConfirmationRequired {
		t.Fatalf("first short scan: kind = %s", scanKind(t, err))
	}

	// Identical scan inside the window confirms.
	key, err := n.Resolve("k1", "A1B2C3")
	if err != nil {
		t.Fatalf("confirming scan: %v", err)
	}
	if len(key) != 16 {
		t.Fatalf("key = %q", key)
	}
}

func TestShortScanMismatchResetsWindow(t *testing.T) {
	n, _ := newTestNormalizer()

	if _, err := n.Resolve("k1", "A1B2C3"); scanKind(t, err) != KindConfirmationRequired {
		t.Fatal("expected confirmation request")
	}
	// A different short scan reports the mismatch and re-arms on the new
	// value.
	if _, err := n.Resolve("k1", "D4E5F6"); scanKind(t, err) != KindConfirmationMismatch {
		t.Fatal("expected mismatch")
	}
	// Now the new value confirms.
	if _, err := n.Resolve("k1", "D4E5F6"); err != nil {
		t.Fatalf("confirming new value: %v", err)
	}
}

func TestShortScanWindowExpires(t *testing.T) {
	n, clk := newTestNormalizer()

	if _, err := n.Resolve("k1", "A1B2C3"); scanKind(t, err) != KindConfirmationRequired {
		t.Fatal("expected confirmation request")
	}
	clk.Advance(5 * time.Second)
	// Past the window the state is dropped: this scan arms a fresh window.
	if _, err := n.Resolve("k1", "A1B2C3"); scanKind(t, err) != KindConfirmationRequired {
		t.Fatal("expired window must re-arm, not confirm")
	}
}

func TestConfirmationWindowsArePerKiosk(t *testing.T) {
	n, _ := newTestNormalizer()

	if _, err := n.Resolve("k1", "A1B2C3"); scanKind(t, err) != KindConfirmationRequired {
		t.Fatal("expected confirmation request on k1")
	}
	// The same short scan on another kiosk arms its own window.
	if _, err := n.Resolve("k2", "A1B2C3"); scanKind(t, err) != KindConfirmationRequired {
		t.Fatal("expected confirmation request on k2")
	}
	if _, err := n.Resolve("k1", "A1B2C3"); err != nil {
		t.Fatalf("k1 confirm: %v", err)
	}
}

func TestIsOwnerKey(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"abc123abc123abcd", true},
		{"ABC123ABC123ABCD", true},
		{"abc123abc123abc", false},
		{"abc123abc123abcdz", false},
		{"ghij123abc123abc", false},
	}
	for _, c := range cases {
		if got := IsOwnerKey(c.in); got != c.want {
			t.Errorf("IsOwnerKey(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}
