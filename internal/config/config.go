// Package config loads and validates app config from env and an optional
// .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// HTTPAddr is the address the HTTP server listens on (e.g. :8080).
	HTTPAddr string `mapstructure:"LCC_HTTP_ADDR"`
	// Env is the application environment ("dev" or "prod").
	Env string `mapstructure:"LCC_ENV"`
	// DBPath is the sqlite database path.
	DBPath string `mapstructure:"LCC_DB_PATH"`
	// AuditDir is the directory for the append-only audit log.
	AuditDir string `mapstructure:"LCC_AUDIT_DIR"`

	// KioskID identifies this kiosk in the locker and command tables.
	KioskID string `mapstructure:"LCC_KIOSK_ID"`

	// AuthSecret enables HS256 staff-token verification when set.
	AuthSecret string `mapstructure:"LCC_AUTH_SECRET"`
	// AuthPublicKeyPEM enables RS256 staff-token verification when set.
	// Takes precedence over AuthSecret.
	AuthPublicKeyPEM string `mapstructure:"LCC_AUTH_PUBLIC_KEY"`

	// Serial bus / relay driver.
	SerialDevice      string        `mapstructure:"LCC_SERIAL_DEVICE"`
	PulseDuration     time.Duration `mapstructure:"LCC_PULSE_DURATION"`
	BurstWindow       time.Duration `mapstructure:"LCC_BURST_WINDOW"`
	BurstInterval     time.Duration `mapstructure:"LCC_BURST_INTERVAL"`
	CommandSpacing    time.Duration `mapstructure:"LCC_COMMAND_SPACING"`
	CommandTimeout    time.Duration `mapstructure:"LCC_COMMAND_TIMEOUT"`
	RelayMaxRetries   int           `mapstructure:"LCC_RELAY_MAX_RETRIES"`
	RelayBackoffBase  time.Duration `mapstructure:"LCC_RELAY_BACKOFF_BASE"`
	RelayBackoffMax   time.Duration `mapstructure:"LCC_RELAY_BACKOFF_MAX"`
	HealthErrorRate   float64       `mapstructure:"LCC_HEALTH_ERROR_RATE"`
	HealthWindowSize  int           `mapstructure:"LCC_HEALTH_WINDOW"`
	ZonePlanJSON      string        `mapstructure:"LCC_ZONE_PLAN"`
	ZonePlanFile      string        `mapstructure:"LCC_ZONE_PLAN_FILE"`

	// Command queue.
	QueuePollInterval time.Duration `mapstructure:"LCC_QUEUE_POLL_INTERVAL"`
	QueueMaxRetries   int           `mapstructure:"LCC_QUEUE_MAX_RETRIES"`
	QueueBackoffBase  time.Duration `mapstructure:"LCC_QUEUE_BACKOFF_BASE"`
	QueueBackoffMax   time.Duration `mapstructure:"LCC_QUEUE_BACKOFF_MAX"`
	QueueStaleAfter   time.Duration `mapstructure:"LCC_QUEUE_STALE_AFTER"`

	// Selection sessions.
	SessionTimeout time.Duration `mapstructure:"LCC_SESSION_TIMEOUT"`
	SessionTick    time.Duration `mapstructure:"LCC_SESSION_TICK"`

	// Card identity.
	MinSignificantDigits int           `mapstructure:"LCC_MIN_SIGNIFICANT_DIGITS"`
	ConfirmationWindow   time.Duration `mapstructure:"LCC_CONFIRMATION_WINDOW"`

	// Rate limiting.
	RateIPPerMinute     int           `mapstructure:"LCC_RATE_IP_PER_MINUTE"`
	RateLockerPerMinute int           `mapstructure:"LCC_RATE_LOCKER_PER_MINUTE"`
	RateDeviceEvery     time.Duration `mapstructure:"LCC_RATE_DEVICE_EVERY"`
	ViolationThreshold  int           `mapstructure:"LCC_VIOLATION_THRESHOLD"`
	BlockDuration       time.Duration `mapstructure:"LCC_BLOCK_DURATION"`
	LimiterSweepEvery   time.Duration `mapstructure:"LCC_LIMITER_SWEEP_EVERY"`
	BucketIdleTTL       time.Duration `mapstructure:"LCC_BUCKET_IDLE_TTL"`

	// Reservation cleanup. Disabled by default: an always-on timeout has
	// dropped legitimate in-progress assignments before.
	ReservationCleanup      bool          `mapstructure:"LCC_RESERVATION_CLEANUP"`
	ReservationTTL          time.Duration `mapstructure:"LCC_RESERVATION_TTL"`
	ReservationSweepEvery   time.Duration `mapstructure:"LCC_RESERVATION_SWEEP_EVERY"`

	// Event hub.
	EventBufferSize int `mapstructure:"LCC_EVENT_BUFFER_SIZE"`
}

// Load reads .env (if present), then builds and validates Config from the
// environment via Viper. Missing .env is ignored. Env vars override .env.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	setDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Baseline returns the default configuration without touching the
// environment. Used as the starting point by Load and directly in tests.
func Baseline() *Config {
	v := viper.New()
	setDefaults(v)
	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("LCC_HTTP_ADDR", ":8080")
	v.SetDefault("LCC_ENV", "dev")
	v.SetDefault("LCC_DB_PATH", "./data/lcc.db")
	v.SetDefault("LCC_AUDIT_DIR", "logs")
	v.SetDefault("LCC_KIOSK_ID", "kiosk-1")

	v.SetDefault("LCC_AUTH_SECRET", "")
	v.SetDefault("LCC_AUTH_PUBLIC_KEY", "")

	v.SetDefault("LCC_SERIAL_DEVICE", "/dev/ttyUSB0")
	v.SetDefault("LCC_PULSE_DURATION", "500ms")
	v.SetDefault("LCC_BURST_WINDOW", "5s")
	v.SetDefault("LCC_BURST_INTERVAL", "750ms")
	v.SetDefault("LCC_COMMAND_SPACING", "50ms")
	v.SetDefault("LCC_COMMAND_TIMEOUT", "2s")
	v.SetDefault("LCC_RELAY_MAX_RETRIES", 3)
	v.SetDefault("LCC_RELAY_BACKOFF_BASE", "200ms")
	v.SetDefault("LCC_RELAY_BACKOFF_MAX", "2s")
	v.SetDefault("LCC_HEALTH_ERROR_RATE", 0.5)
	v.SetDefault("LCC_HEALTH_WINDOW", 20)
	v.SetDefault("LCC_ZONE_PLAN", "")
	v.SetDefault("LCC_ZONE_PLAN_FILE", "")

	v.SetDefault("LCC_QUEUE_POLL_INTERVAL", "1s")
	v.SetDefault("LCC_QUEUE_MAX_RETRIES", 3)
	v.SetDefault("LCC_QUEUE_BACKOFF_BASE", "5s")
	v.SetDefault("LCC_QUEUE_BACKOFF_MAX", "5m")
	v.SetDefault("LCC_QUEUE_STALE_AFTER", "5m")

	v.SetDefault("LCC_SESSION_TIMEOUT", "30s")
	v.SetDefault("LCC_SESSION_TICK", "1s")

	v.SetDefault("LCC_MIN_SIGNIFICANT_DIGITS", 8)
	v.SetDefault("LCC_CONFIRMATION_WINDOW", "4s")

	v.SetDefault("LCC_RATE_IP_PER_MINUTE", 30)
	v.SetDefault("LCC_RATE_LOCKER_PER_MINUTE", 6)
	v.SetDefault("LCC_RATE_DEVICE_EVERY", "20s")
	v.SetDefault("LCC_VIOLATION_THRESHOLD", 10)
	v.SetDefault("LCC_BLOCK_DURATION", "15m")
	v.SetDefault("LCC_LIMITER_SWEEP_EVERY", "5m")
	v.SetDefault("LCC_BUCKET_IDLE_TTL", "10m")

	v.SetDefault("LCC_RESERVATION_CLEANUP", false)
	v.SetDefault("LCC_RESERVATION_TTL", "15m")
	v.SetDefault("LCC_RESERVATION_SWEEP_EVERY", "1m")

	v.SetDefault("LCC_EVENT_BUFFER_SIZE", 50)
}

// Validate checks field ranges. Returns the first violation found.
func (c *Config) Validate() error {
	if c.HTTPAddr == "" {
		return errors.New("config: LCC_HTTP_ADDR must be set")
	}
	if c.Env != "dev" && c.Env != "prod" {
		return fmt.Errorf("config: LCC_ENV must be dev or prod, got %q", c.Env)
	}
	if c.KioskID == "" {
		return errors.New("config: LCC_KIOSK_ID must be set")
	}
	if c.PulseDuration < 50*time.Millisecond || c.PulseDuration > 5*time.Second {
		return fmt.Errorf("config: LCC_PULSE_DURATION %v outside [50ms, 5s]", c.PulseDuration)
	}
	if c.BurstWindow < c.PulseDuration {
		return fmt.Errorf("config: LCC_BURST_WINDOW %v shorter than pulse %v", c.BurstWindow, c.PulseDuration)
	}
	if c.CommandSpacing < 0 {
		return errors.New("config: LCC_COMMAND_SPACING must be >= 0")
	}
	if c.RelayMaxRetries < 0 || c.RelayMaxRetries > 10 {
		return fmt.Errorf("config: LCC_RELAY_MAX_RETRIES %d outside [0, 10]", c.RelayMaxRetries)
	}
	if c.RelayBackoffBase <= 0 || c.RelayBackoffMax < c.RelayBackoffBase {
		return errors.New("config: relay backoff base must be > 0 and <= max")
	}
	if c.HealthErrorRate <= 0 || c.HealthErrorRate > 1 {
		return fmt.Errorf("config: LCC_HEALTH_ERROR_RATE %v outside (0, 1]", c.HealthErrorRate)
	}
	if c.QueueMaxRetries < 0 {
		return errors.New("config: LCC_QUEUE_MAX_RETRIES must be >= 0")
	}
	if c.QueueBackoffBase <= 0 || c.QueueBackoffMax < c.QueueBackoffBase {
		return errors.New("config: queue backoff base must be > 0 and <= max")
	}
	if c.SessionTimeout < 5*time.Second || c.SessionTimeout > 10*time.Minute {
		return fmt.Errorf("config: LCC_SESSION_TIMEOUT %v outside [5s, 10m]", c.SessionTimeout)
	}
	if c.MinSignificantDigits < 4 || c.MinSignificantDigits > 16 {
		return fmt.Errorf("config: LCC_MIN_SIGNIFICANT_DIGITS %d outside [4, 16]", c.MinSignificantDigits)
	}
	if c.ConfirmationWindow <= 0 {
		return errors.New("config: LCC_CONFIRMATION_WINDOW must be > 0")
	}
	if c.RateIPPerMinute <= 0 || c.RateLockerPerMinute <= 0 || c.RateDeviceEvery <= 0 {
		return errors.New("config: rate limits must be > 0")
	}
	if c.ViolationThreshold <= 0 {
		return errors.New("config: LCC_VIOLATION_THRESHOLD must be > 0")
	}
	if c.ReservationCleanup && c.ReservationTTL <= 0 {
		return errors.New("config: LCC_RESERVATION_TTL must be > 0 when cleanup is enabled")
	}
	if c.EventBufferSize <= 0 {
		return errors.New("config: LCC_EVENT_BUFFER_SIZE must be > 0")
	}
	return nil
}
