package interceptors

import (
	"context"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"device-trust-plane/internal/security"
	userdomain "device-trust-plane/internal/user/domain"
)

func testIssuer() *security.TokenIssuer {
	return security.NewTokenIssuer("test-secret", "device-trust-plane", "exam-clients", time.Hour, 24*time.Hour)
}

func callWithToken(t *testing.T, interceptor grpc.UnaryServerInterceptor, token, method string) (context.Context, error) {
	t.Helper()
	ctx := context.Background()
	if token != "" {
		ctx = metadata.NewIncomingContext(ctx, metadata.Pairs("authorization", "Bearer "+token))
	}
	var handlerCtx context.Context
	_, err := interceptor(ctx, nil,
		&grpc.UnaryServerInfo{FullMethod: method},
		func(ctx context.Context, req interface{}) (interface{}, error) {
			handlerCtx = ctx
			return nil, nil
		})
	return handlerCtx, err
}

func TestAuthUnary_ValidAccessToken(t *testing.T) {
	issuer := testIssuer()
	interceptor := AuthUnary(issuer, nil)

	token, err := issuer.IssueAccess(&userdomain.User{
		ID: "user-1", Role: userdomain.RoleStudent, IsActive: true,
	}, "device-1")
	if err != nil {
		t.Fatalf("IssueAccess failed: %v", err)
	}

	ctx, err := callWithToken(t, interceptor, token, "/devicetrust.v1.DeviceService/ListDevices")
	if err != nil {
		t.Fatalf("interceptor rejected valid token: %v", err)
	}
	if uid, ok := GetUserID(ctx); !ok || uid != "user-1" {
		t.Errorf("user_id = %q, %v", uid, ok)
	}
	if did, ok := GetDeviceID(ctx); !ok || did != "device-1" {
		t.Errorf("device_id = %q, %v", did, ok)
	}
	if role, ok := GetRole(ctx); !ok || role != "student" {
		t.Errorf("role = %q, %v", role, ok)
	}
}

func TestAuthUnary_MissingToken(t *testing.T) {
	interceptor := AuthUnary(testIssuer(), nil)

	_, err := callWithToken(t, interceptor, "", "/devicetrust.v1.DeviceService/ListDevices")
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("code = %v, want Unauthenticated", status.Code(err))
	}
}

func TestAuthUnary_RefreshTokenRejected(t *testing.T) {
	issuer := testIssuer()
	interceptor := AuthUnary(issuer, nil)

	refresh, err := issuer.IssueRefresh(&userdomain.User{ID: "user-1", IsActive: true}, "")
	if err != nil {
		t.Fatalf("IssueRefresh failed: %v", err)
	}
	_, err = callWithToken(t, interceptor, refresh, "/devicetrust.v1.DeviceService/ListDevices")
	if status.Code(err) != codes.Unauthenticated {
		t.Errorf("code = %v, want Unauthenticated for refresh token on access path", status.Code(err))
	}
}

func TestAuthUnary_PublicMethodSkipsAuth(t *testing.T) {
	public := map[string]bool{"/grpc.health.v1.Health/Check": true}
	interceptor := AuthUnary(testIssuer(), public)

	if _, err := callWithToken(t, interceptor, "", "/grpc.health.v1.Health/Check"); err != nil {
		t.Errorf("public method must not require a token: %v", err)
	}
	if _, err := callWithToken(t, interceptor, "garbage", "/grpc.health.v1.Health/Check"); err != nil {
		t.Errorf("public method must tolerate a bad token: %v", err)
	}
}
