package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	devicedomain "device-trust-plane/internal/device/domain"
	userdomain "device-trust-plane/internal/user/domain"
)

// Default Rego policy: administrators' devices and rebinds of already-trusted
// devices start trusted; everything else starts untrusted.
const defaultRegoPolicy = `package devicetrust.binding

default register_trusted = false
default trust_ttl_days = 30

register_trusted if {
	input.user.role == "administrator"
}

register_trusted if {
	input.binding.is_rebind
	input.binding.was_trusted
}

trust_ttl_days = input.binding.trust_ttl_days if {
	input.binding.trust_ttl_days > 0
}
`

// OPAEvaluator evaluates bind-time trust policy using OPA Rego. Operator
// policies, when supplied, replace the compiled-in default wholesale.
type OPAEvaluator struct {
	policies []string
}

// NewOPAEvaluator returns an OPA-based evaluator. policies may be empty, in
// which case the compiled-in default policy applies.
func NewOPAEvaluator(policies []string) *OPAEvaluator {
	return &OPAEvaluator{policies: policies}
}

// HealthCheck verifies that the in-process Rego engine can compile and
// evaluate the default policy. Returns nil on success.
func (e *OPAEvaluator) HealthCheck(ctx context.Context) error {
	modules := map[string]string{"policy_0.rego": defaultRegoPolicy}
	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return fmt.Errorf("compile default policy: %w", err)
	}
	q := rego.New(
		rego.Query("data.devicetrust.binding.register_trusted"),
		rego.Compiler(compiler),
		rego.Input(minimalInput()),
	)
	rs, err := q.Eval(ctx)
	if err != nil {
		return fmt.Errorf("eval default policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fmt.Errorf("policy query returned no result")
	}
	return nil
}

// EvaluateBind evaluates trust policy for a binding about to be created.
// Evaluation failures degrade to the untrusted default rather than blocking
// the bind.
func (e *OPAEvaluator) EvaluateBind(ctx context.Context, device *devicedomain.Device, user *userdomain.User, isRebind bool) (BindDecision, error) {
	input := e.buildInput(device, user, isRebind)

	policies := e.policies
	if len(policies) == 0 {
		policies = []string{defaultRegoPolicy}
	}

	result, err := e.evaluatePolicies(ctx, policies, input)
	if err != nil {
		log.Printf("policy: evaluation failed: %v, using defaults", err)
		return defaultDecision(), nil
	}
	return result, nil
}

func (e *OPAEvaluator) buildInput(device *devicedomain.Device, user *userdomain.User, isRebind bool) map[string]interface{} {
	now := time.Now().UTC()

	deviceMap := map[string]interface{}{
		"id":          "",
		"fingerprint": "",
		"device_type": "",
		"os":          "",
		"ip_address":  "",
	}
	wasTrusted := false
	if device != nil {
		deviceMap["id"] = device.ID
		deviceMap["fingerprint"] = device.Fingerprint
		deviceMap["device_type"] = device.DeviceType
		deviceMap["os"] = device.OperatingSystem
		deviceMap["ip_address"] = device.IPAddress
		wasTrusted = device.EffectivelyTrusted(now)
	}

	userMap := map[string]interface{}{
		"id":             "",
		"role":           "",
		"is_first_login": false,
	}
	if user != nil {
		userMap["id"] = user.ID
		userMap["role"] = string(user.Role)
		userMap["is_first_login"] = user.IsFirstLogin
	}

	return map[string]interface{}{
		"device": deviceMap,
		"user":   userMap,
		"binding": map[string]interface{}{
			"is_rebind":      isRebind,
			"was_trusted":    wasTrusted,
			"trust_ttl_days": 0,
		},
	}
}

func (e *OPAEvaluator) evaluatePolicies(ctx context.Context, policies []string, input map[string]interface{}) (BindDecision, error) {
	modules := make(map[string]string)
	for i, policy := range policies {
		modules[fmt.Sprintf("policy_%d.rego", i)] = policy
	}

	compiler, err := ast.CompileModules(modules)
	if err != nil {
		return BindDecision{}, fmt.Errorf("compile policies: %w", err)
	}

	out := defaultDecision()

	trustedQuery := rego.New(
		rego.Query("data.devicetrust.binding.register_trusted"),
		rego.Compiler(compiler),
		rego.Input(input),
	)
	trustedRS, err := trustedQuery.Eval(ctx)
	if err == nil && len(trustedRS) > 0 && len(trustedRS[0].Expressions) > 0 {
		if v, ok := trustedRS[0].Expressions[0].Value.(bool); ok {
			out.RegisterTrusted = v
		}
	}

	ttlQuery := rego.New(
		rego.Query("data.devicetrust.binding.trust_ttl_days"),
		rego.Compiler(compiler),
		rego.Input(input),
	)
	ttlRS, err := ttlQuery.Eval(ctx)
	if err == nil && len(ttlRS) > 0 && len(ttlRS[0].Expressions) > 0 {
		switch v := ttlRS[0].Expressions[0].Value.(type) {
		case json.Number:
			if days, err := v.Int64(); err == nil && days > 0 {
				out.TrustTTLDays = int(days)
			}
		case float64:
			if days := int(v); days > 0 {
				out.TrustTTLDays = days
			}
		case int64:
			if v > 0 {
				out.TrustTTLDays = int(v)
			}
		}
	}

	return out, nil
}

func defaultDecision() BindDecision {
	return BindDecision{RegisterTrusted: false, TrustTTLDays: 30}
}

func minimalInput() map[string]interface{} {
	return map[string]interface{}{
		"device": map[string]interface{}{
			"id":          "",
			"fingerprint": "",
			"device_type": "",
			"os":          "",
			"ip_address":  "",
		},
		"user": map[string]interface{}{
			"id":             "",
			"role":           "",
			"is_first_login": false,
		},
		"binding": map[string]interface{}{
			"is_rebind":      false,
			"was_trusted":    false,
			"trust_ttl_days": 0,
		},
	}
}
