// Worker runs the periodic expiry sweeps: expired device bindings (with
// their sessions), expired sessions, and stale verification codes.
// Set CLEANUP_INTERVAL and CLEANUP_RETRY_INTERVAL to tune the cycle.
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"device-trust-plane/internal/audit"
	auditrepo "device-trust-plane/internal/audit/repository"
	"device-trust-plane/internal/cleanup"
	"device-trust-plane/internal/config"
	"device-trust-plane/internal/db"
	devicerepo "device-trust-plane/internal/device/repository"
	deviceservice "device-trust-plane/internal/device/service"
	"device-trust-plane/internal/policy/engine"
	"device-trust-plane/internal/security"
	"device-trust-plane/internal/server/interceptors"
	sessionrepo "device-trust-plane/internal/session/repository"
	sessionservice "device-trust-plane/internal/session/service"
	telemetryotel "device-trust-plane/internal/telemetry/otel"
	userrepo "device-trust-plane/internal/user/repository"
	"device-trust-plane/internal/verification"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, "device-trust-worker", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()
	emitter := telemetryotel.NewEventEmitter(providers.LoggerProvider)

	auditLog := audit.NewLogger(auditrepo.NewPostgresRepository(conn), interceptors.ClientIP)
	devices := devicerepo.NewPostgresRepository(conn)
	sessions := sessionrepo.NewPostgresRepository(conn)
	users := userrepo.NewPostgresRepository(conn)

	registry := deviceservice.NewRegistry(
		devices, sessions, users,
		engine.NewOPAEvaluator(nil), auditLog, emitter,
		cfg.DeviceLimitEnabled, cfg.MaxDeviceCount, cfg.KickoutPolicy,
		cfg.DeviceTokenExpirationDays,
	)
	manager := sessionservice.NewManager(sessions, devices, users, auditLog, emitter, cfg.SessionTokenMaxLength)
	codes := verification.NewMemoryStore(security.NewHasher(cfg.BcryptCost))

	scheduler := cleanup.NewScheduler(cfg.SweepInterval(), cfg.SweepRetryInterval(),
		cleanup.Sweep{Name: "expired devices", Run: registry.SweepExpired},
		cleanup.Sweep{Name: "expired sessions", Run: manager.SweepExpired},
		cleanup.Sweep{Name: "stale verification codes", Run: func(ctx context.Context) (int, error) {
			return codes.CleanupExpired(ctx), nil
		}},
	)

	go func() {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		<-quit
		log.Println("worker: shutting down...")
		cancel()
	}()

	log.Printf("worker: sweeping every %s", cfg.SweepInterval())
	if err := scheduler.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatalf("worker: %v", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("telemetry shutdown: %v", err)
	}
	log.Println("worker: stopped")
}
