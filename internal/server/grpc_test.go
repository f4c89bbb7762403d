package server

import (
	"context"
	"errors"
	"testing"
	"time"

	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"

	"device-trust-plane/internal/security"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) PingContext(ctx context.Context) error { return f(ctx) }

type checkFunc func(ctx context.Context) error

func (f checkFunc) HealthCheck(ctx context.Context) error { return f(ctx) }

func assertStatus(t *testing.T, healthSrv *health.Server, want grpc_health_v1.HealthCheckResponse_ServingStatus) {
	t.Helper()
	resp, err := healthSrv.Check(context.Background(), &grpc_health_v1.HealthCheckRequest{})
	if err != nil {
		t.Fatalf("health Check failed: %v", err)
	}
	if resp.Status != want {
		t.Errorf("status = %v, want %v", resp.Status, want)
	}
}

func TestNew_StartsNotServing(t *testing.T) {
	tokens := security.NewTokenIssuer("test-secret", "device-trust-plane", "exam-clients", time.Hour, 24*time.Hour)
	srv, healthSrv := New(tokens)
	defer srv.Stop()

	assertStatus(t, healthSrv, grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

func TestUpdateReadiness(t *testing.T) {
	tokens := security.NewTokenIssuer("test-secret", "device-trust-plane", "exam-clients", time.Hour, 24*time.Hour)
	srv, healthSrv := New(tokens)
	defer srv.Stop()

	ctx := context.Background()
	healthy := pingFunc(func(context.Context) error { return nil })
	broken := pingFunc(func(context.Context) error { return errors.New("down") })
	policyOK := checkFunc(func(context.Context) error { return nil })
	policyBroken := checkFunc(func(context.Context) error { return errors.New("no rego") })

	UpdateReadiness(ctx, healthSrv, healthy, policyOK)
	assertStatus(t, healthSrv, grpc_health_v1.HealthCheckResponse_SERVING)

	UpdateReadiness(ctx, healthSrv, broken, policyOK)
	assertStatus(t, healthSrv, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	UpdateReadiness(ctx, healthSrv, healthy, policyBroken)
	assertStatus(t, healthSrv, grpc_health_v1.HealthCheckResponse_NOT_SERVING)

	// nil probes are skipped
	UpdateReadiness(ctx, healthSrv, nil, nil)
	assertStatus(t, healthSrv, grpc_health_v1.HealthCheckResponse_SERVING)
}
