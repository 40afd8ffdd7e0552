package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestBaselineIsValid(t *testing.T) {
	cfg := Baseline()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("baseline config invalid: %v", err)
	}
	if cfg.HTTPAddr != ":8080" || cfg.KioskID != "kiosk-1" {
		t.Fatalf("baseline = %+v", cfg)
	}
	if cfg.MinSignificantDigits != 8 || cfg.ConfirmationWindow != 4*time.Second {
		t.Fatalf("identity defaults = (%d, %v)", cfg.MinSignificantDigits, cfg.ConfirmationWindow)
	}
	if cfg.ReservationCleanup {
		t.Fatal("reservation cleanup must default off")
	}
}

func TestValidateRejectsOutOfRange(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad env", func(c *Config) { c.Env = "staging" }, "LCC_ENV"},
		{"empty kiosk", func(c *Config) { c.KioskID = "" }, "LCC_KIOSK_ID"},
		{"pulse too short", func(c *Config) { c.PulseDuration = 10 * time.Millisecond }, "LCC_PULSE_DURATION"},
		{"pulse too long", func(c *Config) { c.PulseDuration = 10 * time.Second }, "LCC_PULSE_DURATION"},
		{"burst shorter than pulse", func(c *Config) { c.BurstWindow = 100 * time.Millisecond }, "LCC_BURST_WINDOW"},
		{"retries out of range", func(c *Config) { c.RelayMaxRetries = 11 }, "LCC_RELAY_MAX_RETRIES"},
		{"backoff inverted", func(c *Config) { c.RelayBackoffMax = c.RelayBackoffBase / 2 }, "backoff"},
		{"error rate over one", func(c *Config) { c.HealthErrorRate = 1.5 }, "LCC_HEALTH_ERROR_RATE"},
		{"session timeout too short", func(c *Config) { c.SessionTimeout = time.Second }, "LCC_SESSION_TIMEOUT"},
		{"min digits too small", func(c *Config) { c.MinSignificantDigits = 2 }, "LCC_MIN_SIGNIFICANT_DIGITS"},
		{"zero rate limit", func(c *Config) { c.RateIPPerMinute = 0 }, "rate limits"},
		{"cleanup without ttl", func(c *Config) { c.ReservationCleanup = true; c.ReservationTTL = 0 }, "LCC_RESERVATION_TTL"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			cfg := Baseline()
			c.mutate(cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("validate accepted bad config")
			}
			if !strings.Contains(err.Error(), c.want) {
				t.Fatalf("err = %v, want mention of %q", err, c.want)
			}
		})
	}
}

func TestDefaultZonePlan(t *testing.T) {
	p := DefaultZonePlan()
	if err := p.Validate(); err != nil {
		t.Fatalf("default plan invalid: %v", err)
	}
	if got := len(p.Lockers("")); got != 32 {
		t.Fatalf("default plan covers %d lockers, want 32", got)
	}
}

func TestZonePlanResolve(t *testing.T) {
	p := &ZonePlan{Zones: []Zone{
		{ID: "A", FirstLocker: 1, LastLocker: 32, SlaveBase: 1, ChannelsPerCard: 16},
		{ID: "B", FirstLocker: 33, LastLocker: 40, SlaveBase: 10, ChannelsPerCard: 8},
	}}
	if err := p.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}

	cases := []struct {
		locker int
		slave  uint8
		coil   uint16
	}{
		{1, 1, 1},
		{16, 1, 16},
		{17, 2, 1},
		{32, 2, 16},
		{33, 10, 1},
		{40, 10, 8},
	}
	for _, c := range cases {
		slave, coil, err := p.Resolve(c.locker)
		if err != nil {
			t.Errorf("resolve %d: %v", c.locker, err)
			continue
		}
		if slave != c.slave || coil != c.coil {
			t.Errorf("resolve %d = (%d, %d), want (%d, %d)", c.locker, slave, coil, c.slave, c.coil)
		}
	}

	if _, _, err := p.Resolve(41); err == nil {
		t.Error("resolve accepted uncovered locker")
	}
}

func TestZonePlanZoneForAndLockers(t *testing.T) {
	p := &ZonePlan{Zones: []Zone{
		{ID: "A", FirstLocker: 1, LastLocker: 4, SlaveBase: 1, ChannelsPerCard: 16},
		{ID: "B", FirstLocker: 5, LastLocker: 6, SlaveBase: 2, ChannelsPerCard: 16},
	}}

	if z := p.ZoneFor(5); z == nil || z.ID != "B" {
		t.Fatalf("ZoneFor(5) = %+v", z)
	}
	if z := p.ZoneFor(99); z != nil {
		t.Fatalf("ZoneFor(99) = %+v, want nil", z)
	}

	got := p.Lockers("B")
	if len(got) != 2 || got[0] != 5 || got[1] != 6 {
		t.Fatalf("Lockers(B) = %v", got)
	}
	if got := p.Lockers(""); len(got) != 6 {
		t.Fatalf("Lockers(all) = %v", got)
	}
}

func TestZonePlanValidateRejections(t *testing.T) {
	cases := []struct {
		name string
		plan ZonePlan
	}{
		{"no zones", ZonePlan{}},
		{"empty id", ZonePlan{Zones: []Zone{{FirstLocker: 1, LastLocker: 2, SlaveBase: 1, ChannelsPerCard: 8}}}},
		{"duplicate id", ZonePlan{Zones: []Zone{
			{ID: "A", FirstLocker: 1, LastLocker: 2, SlaveBase: 1, ChannelsPerCard: 8},
			{ID: "A", FirstLocker: 3, LastLocker: 4, SlaveBase: 2, ChannelsPerCard: 8},
		}}},
		{"inverted range", ZonePlan{Zones: []Zone{{ID: "A", FirstLocker: 5, LastLocker: 2, SlaveBase: 1, ChannelsPerCard: 8}}}},
		{"slave out of range", ZonePlan{Zones: []Zone{{ID: "A", FirstLocker: 1, LastLocker: 2, SlaveBase: 300, ChannelsPerCard: 8}}}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if err := c.plan.Validate(); err == nil {
				t.Fatal("validate accepted bad plan")
			}
		})
	}
}

func TestLoadZonePlanPrecedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "plan.json")
	fileJSON := `{"zones":[{"id":"file","firstLocker":1,"lastLocker":8,"slaveBase":1,"channelsPerCard":8}]}`
	if err := os.WriteFile(file, []byte(fileJSON), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := Baseline()
	cfg.ZonePlanFile = file
	cfg.ZonePlanJSON = `{"zones":[{"id":"inline","firstLocker":1,"lastLocker":4,"slaveBase":1,"channelsPerCard":4}]}`

	p, err := cfg.LoadZonePlan()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.Zones[0].ID != "inline" {
		t.Fatalf("zone = %q, inline JSON must win over the file", p.Zones[0].ID)
	}

	cfg.ZonePlanJSON = ""
	p, err = cfg.LoadZonePlan()
	if err != nil {
		t.Fatalf("load from file: %v", err)
	}
	if p.Zones[0].ID != "file" {
		t.Fatalf("zone = %q, want file plan", p.Zones[0].ID)
	}

	cfg.ZonePlanFile = ""
	p, err = cfg.LoadZonePlan()
	if err != nil {
		t.Fatalf("load default: %v", err)
	}
	if p.Zones[0].ID != "A" {
		t.Fatalf("zone = %q, want default plan", p.Zones[0].ID)
	}
}

func TestLoadZonePlanRejectsInvalidJSON(t *testing.T) {
	cfg := Baseline()
	cfg.ZonePlanJSON = `{"zones":`
	if _, err := cfg.LoadZonePlan(); err == nil {
		t.Fatal("accepted truncated JSON")
	}
	cfg.ZonePlanJSON = `{"zones":[]}`
	if _, err := cfg.LoadZonePlan(); err == nil {
		t.Fatal("accepted empty plan")
	}
}
