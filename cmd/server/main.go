// Server hosts the device-trust gRPC endpoint: readiness health checks and
// reflection behind the Bearer auth interceptor. The trust services
// themselves are consumed as a library by the surrounding platform.
// Configure via .env or environment (DATABASE_URL, GRPC_ADDR, JWT_SECRET_KEY, ...).
package main

import (
	"context"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"device-trust-plane/internal/config"
	"device-trust-plane/internal/db"
	"device-trust-plane/internal/policy/engine"
	"device-trust-plane/internal/security"
	"device-trust-plane/internal/server"
	"device-trust-plane/internal/telemetry"
	telemetryotel "device-trust-plane/internal/telemetry/otel"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db: %v", err)
	}
	defer conn.Close()

	providers, err := telemetryotel.NewProviders(ctx, cfg.OTLPEndpoint, "device-trust-plane", cfg.OTLPInsecure)
	if err != nil {
		log.Fatalf("telemetry: %v", err)
	}
	providers.SetGlobal()

	tokens := security.NewTokenIssuer(
		cfg.JWTSecretKey, cfg.JWTIssuer, cfg.JWTAudience,
		cfg.AccessTTL(), cfg.RefreshTTL(),
	)

	policy := engine.NewOPAEvaluator(nil)

	srv, healthSrv := server.New(tokens)

	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		log.Fatalf("listen: %v", err)
	}
	defer lis.Close()

	server.UpdateReadiness(ctx, healthSrv, conn, policy)

	go func() {
		log.Printf("gRPC server listening on %s", cfg.GRPCAddr)
		if err := srv.Serve(lis); err != nil {
			log.Fatalf("serve: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	log.Println("shutting down gRPC server...")
	srv.GracefulStop()

	// let in-flight async telemetry emits finish before tearing providers down
	time.Sleep(telemetry.ShutdownDrainDuration)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := providers.Shutdown(shutdownCtx); err != nil {
		log.Printf("telemetry shutdown: %v", err)
	}
	log.Println("gRPC server stopped")
}
