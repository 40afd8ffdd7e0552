// Package main implements the Locker Control Container entry point: one
// process per kiosk owning the sqlite ledger, the relay bus, and the HTTP
// surface.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/locker-control/lcc/internal/api"
	"github.com/locker-control/lcc/internal/audit"
	"github.com/locker-control/lcc/internal/auth"
	"github.com/locker-control/lcc/internal/clock"
	"github.com/locker-control/lcc/internal/command"
	"github.com/locker-control/lcc/internal/config"
	"github.com/locker-control/lcc/internal/db"
	"github.com/locker-control/lcc/internal/events"
	"github.com/locker-control/lcc/internal/identity"
	"github.com/locker-control/lcc/internal/locker"
	"github.com/locker-control/lcc/internal/ratelimit"
	"github.com/locker-control/lcc/internal/relay"
	"github.com/locker-control/lcc/internal/session"
	"github.com/locker-control/lcc/internal/store"
	"github.com/locker-control/lcc/internal/store/sqlite"
)

const Version = "1.0.0"

func main() {
	log.Printf("Starting Locker Control Container v%s", Version)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	plan, err := cfg.LoadZonePlan()
	if err != nil {
		log.Fatalf("Failed to load zone plan: %v", err)
	}
	log.Printf("Configuration loaded: kiosk %s, %d zones", cfg.KioskID, len(plan.Zones))

	rootCtx, stop := context.WithCancel(context.Background())
	defer stop()

	database, err := db.Open(rootCtx, db.Config{Path: cfg.DBPath, Env: cfg.Env})
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	writer := db.NewWorker(database)
	lockerStore := sqlite.NewLockerStore(database, writer)
	commandStore := sqlite.NewCommandStore(database, writer)
	violationStore := sqlite.NewViolationStore(database, writer)
	log.Println("Database opened, migrations applied")

	if err := provisionLockers(rootCtx, lockerStore, cfg.KioskID, plan); err != nil {
		log.Fatalf("Failed to provision lockers: %v", err)
	}

	hub := events.NewHub(cfg.EventBufferSize)

	auditLogger, err := audit.NewLogger(cfg.AuditDir)
	if err != nil {
		log.Fatalf("Failed to initialize audit logger: %v", err)
	}

	driver := relay.NewDriver(relay.OptionsFromConfig(cfg), plan, func() (relay.Port, error) {
		return relay.OpenFilePort(cfg.SerialDevice)
	}, hub, cfg.KioskID)
	if err := driver.TestConnectivity(rootCtx); err != nil {
		// The bus may come up after us; commands will retry and the
		// health endpoint reports degraded until then.
		log.Printf("Relay bus probe failed: %v", err)
	} else {
		log.Println("Relay bus reachable")
	}

	clk := clock.System{}

	lockerSvc := locker.NewService(lockerStore, driver, hub, clk)
	if cfg.ReservationCleanup {
		lockerSvc.EnableReservationCleanup(cfg.ReservationTTL)
		go lockerSvc.RunCleanupSweeper(rootCtx, cfg.KioskID, cfg.ReservationSweepEvery)
		log.Printf("Reservation cleanup enabled, TTL %v", cfg.ReservationTTL)
	}

	sessions := session.NewManager(cfg.SessionTimeout, cfg.SessionTick, hub, clk)
	normalizer := identity.NewNormalizer(cfg.MinSignificantDigits, cfg.ConfirmationWindow, clk)

	limiter := ratelimit.NewLimiter(ratelimit.Limits{
		IPPerMinute:        cfg.RateIPPerMinute,
		LockerPerMinute:    cfg.RateLockerPerMinute,
		DeviceEvery:        cfg.RateDeviceEvery,
		ViolationThreshold: cfg.ViolationThreshold,
		BlockDuration:      cfg.BlockDuration,
		BucketIdleTTL:      cfg.BucketIdleTTL,
	}, violationStore, clk)
	go limiter.RunSweeper(rootCtx, cfg.LimiterSweepEvery)

	queue := command.NewQueue(cfg.KioskID, command.Options{
		PollInterval: cfg.QueuePollInterval,
		MaxRetries:   cfg.QueueMaxRetries,
		BackoffBase:  cfg.QueueBackoffBase,
		BackoffMax:   cfg.QueueBackoffMax,
		StaleAfter:   cfg.QueueStaleAfter,
	}, commandStore, driver, hub, clk)
	go queue.Run(rootCtx)
	log.Println("Command queue running")

	authMW, err := buildAuth(cfg)
	if err != nil {
		log.Fatalf("Failed to configure auth: %v", err)
	}

	server := api.NewServer(api.Deps{
		Kiosk:    cfg.KioskID,
		Plan:     plan,
		Lockers:  lockerSvc,
		Sessions: sessions,
		Identity: normalizer,
		Queue:    queue,
		Limiter:  limiter,
		Hardware: driver,
		Events:   hub,
		Auditor:  auditLogger,
		Auth:     authMW,
	}, 30*time.Second, 30*time.Second, 120*time.Second)

	serverErr := make(chan error, 1)
	go func() {
		if err := server.Start(cfg.HTTPAddr); err != nil {
			serverErr <- fmt.Errorf("HTTP server failed: %w", err)
		}
	}()
	log.Printf("HTTP server listening on %s", cfg.HTTPAddr)

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-shutdown:
		log.Printf("Received signal %v, shutting down", sig)
	case err := <-serverErr:
		log.Printf("Server error: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Stop(ctx); err != nil {
		log.Printf("Error stopping HTTP server: %v", err)
	}
	stop() // ends the queue poller and sweepers
	sessions.Stop()
	hub.Stop()
	if err := driver.Close(); err != nil {
		log.Printf("Error closing relay port: %v", err)
	}
	if err := auditLogger.Close(); err != nil {
		log.Printf("Error closing audit logger: %v", err)
	}
	writer.Close()
	if err := database.Close(); err != nil {
		log.Printf("Error closing database: %v", err)
	}
	log.Println("Locker Control Container shutdown complete")
}

// provisionLockers seeds a row for every locker the zone plan covers.
// Existing rows keep their state across restarts.
func provisionLockers(ctx context.Context, lockers *sqlite.LockerStore, kioskID string, plan *config.ZonePlan) error {
	created := 0
	for _, id := range plan.Lockers("") {
		err := lockers.Provision(ctx, &store.Locker{
			KioskID:     kioskID,
			ID:          id,
			Status:      store.StatusFree,
			DisplayName: fmt.Sprintf("Locker %d", id),
		})
		if errors.Is(err, store.ErrDuplicate) {
			continue
		}
		if err != nil {
			return err
		}
		created++
	}
	if created > 0 {
		log.Printf("Provisioned %d new lockers", created)
	}
	return nil
}

// buildAuth wires token verification for the staff routes. RS256 wins when
// both key sources are set. Running without auth is a dev-only convenience.
func buildAuth(cfg *config.Config) (*auth.Middleware, error) {
	vc := auth.VerifierConfig{}
	switch {
	case cfg.AuthPublicKeyPEM != "":
		vc.Algorithm = "RS256"
		vc.PublicKeyPEM = cfg.AuthPublicKeyPEM
	case cfg.AuthSecret != "":
		vc.Algorithm = "HS256"
		vc.SecretKey = cfg.AuthSecret
	default:
		if cfg.Env == "prod" {
			return nil, errors.New("LCC_AUTH_SECRET or LCC_AUTH_PUBLIC_KEY required in prod")
		}
		log.Println("WARNING: staff routes are unauthenticated (dev mode, no auth key configured)")
		return nil, nil
	}
	verifier, err := auth.NewVerifier(vc)
	if err != nil {
		return nil, err
	}
	return auth.NewMiddleware(verifier), nil
}
