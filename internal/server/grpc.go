// Package server assembles the gRPC server: interceptors, the standard
// health service, and reflection.
package server

import (
	"context"
	"log"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"device-trust-plane/internal/security"
	"device-trust-plane/internal/server/interceptors"
)

// PublicMethods is the set of full method names served without a Bearer token.
var PublicMethods = map[string]bool{
	"/grpc.health.v1.Health/Check": true,
	"/grpc.health.v1.Health/Watch": true,
}

// Pinger checks backing-store liveness (e.g. *sql.DB).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker checks that the policy engine can evaluate (e.g. the OPA evaluator).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// New builds the gRPC server with OTel instrumentation, the auth interceptor,
// the standard health service, and reflection. The returned health server
// starts in NOT_SERVING; call UpdateReadiness once dependencies are up.
func New(tokens *security.TokenIssuer) (*grpc.Server, *health.Server) {
	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.AuthUnary(tokens, PublicMethods),
		),
	)

	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	grpc_health_v1.RegisterHealthServer(srv, healthSrv)
	reflection.Register(srv)
	return srv, healthSrv
}

// UpdateReadiness probes the database and policy engine and flips the health
// status accordingly. Either probe may be nil and is then skipped.
func UpdateReadiness(ctx context.Context, healthSrv *health.Server, db Pinger, policy PolicyChecker) {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if db != nil {
		if err := db.PingContext(ctx); err != nil {
			log.Printf("server: database not ready: %v", err)
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
	}
	if policy != nil {
		if err := policy.HealthCheck(ctx); err != nil {
			log.Printf("server: policy engine not ready: %v", err)
			status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
		}
	}
	healthSrv.SetServingStatus("", status)
}
