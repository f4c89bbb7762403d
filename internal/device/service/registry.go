package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"device-trust-plane/internal/audit"
	devicedomain "device-trust-plane/internal/device/domain"
	"device-trust-plane/internal/policy/engine"
	"device-trust-plane/internal/security"
	"device-trust-plane/internal/telemetry"
	"device-trust-plane/internal/uniquekey"
	userdomain "device-trust-plane/internal/user/domain"
)

// Sentinel errors for the device registry; handlers map them to gRPC codes.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrUserInactive       = errors.New("user account is inactive")
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceNotOwned     = errors.New("device belongs to another user")
	ErrDeviceLimitReached = errors.New("device limit reached")
	ErrEvictionFailed     = errors.New("could not evict oldest device")
)

// Kickout policies applied when a user at quota binds another device.
const (
	KickoutOldest = "kickout_oldest"
	RejectNew     = "reject_new"
)

// fingerprintAttempts bounds the numbered-suffix rewrite before falling back
// to a timestamped fingerprint.
const fingerprintAttempts = 100

// DeviceRepo is the device repository surface needed by the registry.
type DeviceRepo interface {
	GetByID(ctx context.Context, id string) (*devicedomain.Device, error)
	GetActiveByUserAndFingerprint(ctx context.Context, userID, fingerprint string) (*devicedomain.Device, error)
	FingerprintActiveForOtherUser(ctx context.Context, fingerprint, userID string) (bool, error)
	FingerprintExists(ctx context.Context, fingerprint string) (bool, error)
	CountActiveByUser(ctx context.Context, userID string) (int, error)
	ListActiveByUser(ctx context.Context, userID string) ([]*devicedomain.Device, error)
	OldestActiveByUser(ctx context.Context, userID string) (*devicedomain.Device, error)
	Create(ctx context.Context, d *devicedomain.Device) error
	Deactivate(ctx context.Context, id string) error
	UpdateLastUsed(ctx context.Context, id string, at time.Time, ipAddress, location string) error
	SetTrusted(ctx context.Context, id string, trusted bool) error
	UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error
	DeactivateExpired(ctx context.Context, now time.Time) ([]string, error)
	WithUserLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error
}

// SessionRepo is the session repository surface needed by the registry.
// Every device deactivation ends the sessions bound to it.
type SessionRepo interface {
	EndAllByDevice(ctx context.Context, deviceID string, at time.Time) (int, error)
}

// UserRepo is the user repository surface needed by the registry.
type UserRepo interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
}

// BindInput carries the client attributes observed at bind time.
type BindInput struct {
	UserID          string
	UserAgent       string
	IPAddress       string
	Location        string
	DeviceType      string
	OperatingSystem string
	ClientInfo      string
	// Name is the user-visible device name; derived from type and date when empty.
	Name string
	// Extra is additional client data folded into the fingerprint.
	Extra string
	// Fingerprint, when set, is used as-is instead of being derived.
	Fingerprint string
}

// Admission is the outcome of quota evaluation for one prospective binding.
type Admission struct {
	CanBind          bool
	RequiresEviction bool
	Reason           string
	EffectiveMax     int
	ActiveCount      int
}

// Registry owns the device binding lifecycle: admission, creation, collision
// handling, eviction, revocation, and expiry sweeps.
type Registry struct {
	deviceRepo  DeviceRepo
	sessionRepo SessionRepo
	userRepo    UserRepo
	policy      engine.Evaluator
	auditLog    audit.AuditLogger
	emitter     telemetry.EventEmitter

	limitEnabled  bool
	maxDevices    int
	kickoutPolicy string
	expiryDays    int

	nowF func() time.Time
}

// NewRegistry returns a Registry with the given dependencies. maxDevices is
// the default quota; a user's positive MaxDeviceCount overrides it.
func NewRegistry(
	deviceRepo DeviceRepo,
	sessionRepo SessionRepo,
	userRepo UserRepo,
	policy engine.Evaluator,
	auditLog audit.AuditLogger,
	emitter telemetry.EventEmitter,
	limitEnabled bool,
	maxDevices int,
	kickoutPolicy string,
	expiryDays int,
) *Registry {
	return &Registry{
		deviceRepo:    deviceRepo,
		sessionRepo:   sessionRepo,
		userRepo:      userRepo,
		policy:        policy,
		auditLog:      auditLog,
		emitter:       emitter,
		limitEnabled:  limitEnabled,
		maxDevices:    maxDevices,
		kickoutPolicy: kickoutPolicy,
		expiryDays:    expiryDays,
		nowF:          func() time.Time { return time.Now().UTC() },
	}
}

// EvaluateAdmission decides whether the user may bind one more device.
// Administrators and disabled enforcement admit unconditionally.
func (r *Registry) EvaluateAdmission(ctx context.Context, user *userdomain.User) (*Admission, error) {
	if !r.limitEnabled {
		return &Admission{CanBind: true, Reason: "device limit disabled"}, nil
	}
	if user.IsAdmin() {
		return &Admission{CanBind: true, Reason: "administrator exempt"}, nil
	}
	max := r.maxDevices
	if user.MaxDeviceCount > 0 {
		max = user.MaxDeviceCount
	}
	count, err := r.deviceRepo.CountActiveByUser(ctx, user.ID)
	if err != nil {
		return nil, err
	}
	adm := &Admission{EffectiveMax: max, ActiveCount: count}
	if count < max {
		adm.CanBind = true
		adm.Reason = "below device limit"
		return adm, nil
	}
	if r.kickoutPolicy == KickoutOldest {
		adm.CanBind = true
		adm.RequiresEviction = true
		adm.Reason = "at device limit; oldest device will be evicted"
		return adm, nil
	}
	adm.Reason = fmt.Sprintf("active device limit of %d reached", max)
	return adm, nil
}

// Bind admits and creates a device binding for the user. Binding the same
// fingerprint again refreshes the existing binding instead of creating a new
// one. Admission, eviction, and creation run under a per-user lock so two
// concurrent binds cannot both pass quota evaluation.
func (r *Registry) Bind(ctx context.Context, in BindInput) (*devicedomain.Device, error) {
	user, err := r.userRepo.GetByID(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if !user.IsActive {
		return nil, ErrUserInactive
	}

	fingerprint := in.Fingerprint
	if fingerprint == "" {
		fingerprint = security.Fingerprint(in.UserAgent, in.IPAddress, in.Extra)
	}

	var bound *devicedomain.Device
	rebind := false
	err = r.deviceRepo.WithUserLock(ctx, in.UserID, func(ctx context.Context) error {
		now := r.nowF()

		existing, err := r.deviceRepo.GetActiveByUserAndFingerprint(ctx, in.UserID, fingerprint)
		if err != nil {
			return err
		}
		if existing != nil {
			if !existing.Expired(now) {
				if err := r.deviceRepo.UpdateLastUsed(ctx, existing.ID, now, in.IPAddress, in.Location); err != nil {
					return err
				}
				existing.LastUsedAt = &now
				existing.IPAddress = in.IPAddress
				if in.Location != "" {
					existing.Location = in.Location
				}
				bound = existing
				rebind = true
				return nil
			}
			// expired but not yet swept; retire it and bind fresh
			if err := r.deactivateCascade(ctx, existing.ID, now); err != nil {
				return err
			}
		}

		adm, err := r.EvaluateAdmission(ctx, user)
		if err != nil {
			return err
		}
		if !adm.CanBind {
			return ErrDeviceLimitReached
		}
		if adm.RequiresEviction {
			if err := r.evictOldest(ctx, in.UserID, now); err != nil {
				return fmt.Errorf("%w: %v", ErrEvictionFailed, err)
			}
		}

		fp, err := r.resolveFingerprint(ctx, fingerprint, in.UserID, now)
		if err != nil {
			return err
		}

		device := &devicedomain.Device{
			ID:              uuid.New().String(),
			UserID:          in.UserID,
			Fingerprint:     fp,
			Name:            in.Name,
			DeviceType:      in.DeviceType,
			OperatingSystem: in.OperatingSystem,
			ClientInfo:      in.ClientInfo,
			IPAddress:       in.IPAddress,
			Location:        in.Location,
			IsActive:        true,
			CreatedAt:       now,
		}
		if device.DeviceType == "" {
			device.DeviceType = "unknown"
		}
		if device.Name == "" {
			device.Name = fmt.Sprintf("%s_%s", device.DeviceType, now.Format("20060102"))
		}

		decision, err := r.policy.EvaluateBind(ctx, device, user, false)
		if err != nil {
			return err
		}
		device.IsTrusted = decision.RegisterTrusted

		expiryDays := r.expiryDays
		if decision.RegisterTrusted && decision.TrustTTLDays > 0 && decision.TrustTTLDays < expiryDays {
			expiryDays = decision.TrustTTLDays
		}
		expiresAt := now.AddDate(0, 0, expiryDays)
		device.ExpiresAt = &expiresAt

		if err := r.deviceRepo.Create(ctx, device); err != nil {
			return err
		}
		bound = device
		return nil
	})
	if err != nil {
		return nil, err
	}

	action := "device_bind"
	eventType := "device_bound"
	if rebind {
		action = "device_rebind"
		eventType = "device_rebound"
	}
	r.logAndEmit(ctx, in.UserID, bound.ID, action, eventType,
		fmt.Sprintf(`{"fingerprint":%q,"device_type":%q}`, bound.Fingerprint, bound.DeviceType))
	return bound, nil
}

// ValidateBinding returns the user's active, unexpired device carrying the
// fingerprint, or nil when no such binding exists. Lookup errors propagate;
// a failed check does not.
func (r *Registry) ValidateBinding(ctx context.Context, userID, fingerprint string) (*devicedomain.Device, error) {
	device, err := r.deviceRepo.GetActiveByUserAndFingerprint(ctx, userID, fingerprint)
	if err != nil {
		return nil, err
	}
	if device == nil || !device.IsActive || device.Expired(r.nowF()) {
		return nil, nil
	}
	return device, nil
}

// EvictOldest retires the user's least recently used device and ends its
// sessions. Reports false when the user has no active devices.
func (r *Registry) EvictOldest(ctx context.Context, userID string) (bool, error) {
	evicted := false
	err := r.deviceRepo.WithUserLock(ctx, userID, func(ctx context.Context) error {
		oldest, err := r.deviceRepo.OldestActiveByUser(ctx, userID)
		if err != nil {
			return err
		}
		if oldest == nil {
			return nil
		}
		if err := r.deactivateCascade(ctx, oldest.ID, r.nowF()); err != nil {
			return err
		}
		r.logAndEmit(ctx, userID, oldest.ID, "device_evict", "device_evicted", "")
		evicted = true
		return nil
	})
	return evicted, err
}

// ListDevices returns the user's active devices.
func (r *Registry) ListDevices(ctx context.Context, userID string) ([]*devicedomain.Device, error) {
	return r.deviceRepo.ListActiveByUser(ctx, userID)
}

// Unbind retires the user's own device and ends its sessions.
func (r *Registry) Unbind(ctx context.Context, userID, deviceID string) error {
	device, err := r.deviceRepo.GetByID(ctx, deviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return ErrDeviceNotFound
	}
	if device.UserID != userID {
		return ErrDeviceNotOwned
	}
	if err := r.deactivateCascade(ctx, deviceID, r.nowF()); err != nil {
		return err
	}
	r.logAndEmit(ctx, userID, deviceID, "device_unbind", "device_unbound", "")
	return nil
}

// AdminUnbind retires any device regardless of owner. For operator tooling.
func (r *Registry) AdminUnbind(ctx context.Context, deviceID string) error {
	device, err := r.deviceRepo.GetByID(ctx, deviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return ErrDeviceNotFound
	}
	if err := r.deactivateCascade(ctx, deviceID, r.nowF()); err != nil {
		return err
	}
	r.logAndEmit(ctx, device.UserID, deviceID, "device_admin_unbind", "device_unbound", `{"by":"admin"}`)
	return nil
}

// Touch records use of the device, refreshing its eviction ordering.
func (r *Registry) Touch(ctx context.Context, userID, deviceID, ipAddress, location string) error {
	device, err := r.deviceRepo.GetByID(ctx, deviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return ErrDeviceNotFound
	}
	if device.UserID != userID {
		return ErrDeviceNotOwned
	}
	return r.deviceRepo.UpdateLastUsed(ctx, deviceID, r.nowF(), ipAddress, location)
}

// SetTrusted flips the trust flag on the user's own device.
func (r *Registry) SetTrusted(ctx context.Context, userID, deviceID string, trusted bool) error {
	device, err := r.deviceRepo.GetByID(ctx, deviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return ErrDeviceNotFound
	}
	if device.UserID != userID {
		return ErrDeviceNotOwned
	}
	if err := r.deviceRepo.SetTrusted(ctx, deviceID, trusted); err != nil {
		return err
	}
	r.logAndEmit(ctx, userID, deviceID, "device_set_trusted", "device_trust_changed",
		fmt.Sprintf(`{"trusted":%t}`, trusted))
	return nil
}

// ExtendExpiry pushes the device's expiry days out from now or from the
// current expiry, whichever is later. The window never shortens.
func (r *Registry) ExtendExpiry(ctx context.Context, userID, deviceID string, days int) error {
	device, err := r.deviceRepo.GetByID(ctx, deviceID)
	if err != nil {
		return err
	}
	if device == nil {
		return ErrDeviceNotFound
	}
	if device.UserID != userID {
		return ErrDeviceNotOwned
	}
	base := r.nowF()
	if device.ExpiresAt != nil && device.ExpiresAt.After(base) {
		base = *device.ExpiresAt
	}
	return r.deviceRepo.UpdateExpiry(ctx, deviceID, base.AddDate(0, 0, days))
}

// SweepExpired retires every expired active device and ends the sessions
// bound to each. Returns the number of devices retired.
func (r *Registry) SweepExpired(ctx context.Context) (int, error) {
	now := r.nowF()
	ids, err := r.deviceRepo.DeactivateExpired(ctx, now)
	if err != nil {
		return 0, err
	}
	for _, id := range ids {
		if _, err := r.sessionRepo.EndAllByDevice(ctx, id, now); err != nil {
			return 0, err
		}
	}
	return len(ids), nil
}

// evictOldest retires the user's least recently used device and ends its
// sessions. Must run under the per-user lock.
func (r *Registry) evictOldest(ctx context.Context, userID string, now time.Time) error {
	oldest, err := r.deviceRepo.OldestActiveByUser(ctx, userID)
	if err != nil {
		return err
	}
	if oldest == nil {
		return errors.New("no active device to evict")
	}
	if err := r.deactivateCascade(ctx, oldest.ID, now); err != nil {
		return err
	}
	r.logAndEmit(ctx, userID, oldest.ID, "device_evict", "device_evicted", "")
	return nil
}

// deactivateCascade retires the device and ends every session bound to it.
// No deactivation path skips the cascade; a dead device must not leave live
// sessions behind.
func (r *Registry) deactivateCascade(ctx context.Context, deviceID string, now time.Time) error {
	if err := r.deviceRepo.Deactivate(ctx, deviceID); err != nil {
		return err
	}
	_, err := r.sessionRepo.EndAllByDevice(ctx, deviceID, now)
	return err
}

// resolveFingerprint rewrites the fingerprint when another user's active
// device already carries it, so each binding keys to exactly one account.
func (r *Registry) resolveFingerprint(ctx context.Context, fingerprint, userID string, now time.Time) (string, error) {
	collides, err := r.deviceRepo.FingerprintActiveForOtherUser(ctx, fingerprint, userID)
	if err != nil {
		return "", err
	}
	if !collides {
		return fingerprint, nil
	}
	return uniquekey.Derive(
		fmt.Sprintf("%s-U%s", fingerprint, userID),
		fingerprintAttempts,
		func(base string, n int) string { return fmt.Sprintf("%s-%02d", base, n) },
		func(base string) string { return fmt.Sprintf("%s-%d", base, now.UnixNano()) },
		func(candidate string) (bool, error) {
			return r.deviceRepo.FingerprintExists(ctx, candidate)
		},
	)
}

func (r *Registry) logAndEmit(ctx context.Context, userID, deviceID, action, eventType, metadata string) {
	if r.auditLog != nil {
		r.auditLog.LogEvent(ctx, userID, action, "device", metadata)
	}
	telemetry.EmitAsync(r.emitter, &telemetry.Event{
		UserID:    userID,
		DeviceID:  deviceID,
		EventType: eventType,
		Source:    "device_registry",
		Metadata:  []byte(metadata),
		CreatedAt: r.nowF(),
	})
}
