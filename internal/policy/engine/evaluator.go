package engine

import (
	"context"

	devicedomain "device-trust-plane/internal/device/domain"
	userdomain "device-trust-plane/internal/user/domain"
)

// BindDecision holds the result of bind-time trust policy evaluation.
type BindDecision struct {
	// RegisterTrusted marks the new binding trusted from the start.
	RegisterTrusted bool
	// TrustTTLDays bounds how long an initial trust grant lasts. Zero or
	// negative means the grant has no separate TTL.
	TrustTTLDays int
}

// Evaluator decides the initial trust posture of a device binding.
type Evaluator interface {
	// EvaluateBind evaluates trust policy for a binding about to be created.
	// device carries the attributes of the prospective binding; isRebind is
	// true when the fingerprint matched an existing active binding.
	EvaluateBind(ctx context.Context, device *devicedomain.Device, user *userdomain.User, isRebind bool) (BindDecision, error)
}
