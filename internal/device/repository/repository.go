package repository

import (
	"context"
	"time"

	"device-trust-plane/internal/device/domain"
)

// Repository defines persistence for devices.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Device, error)
	// GetActiveByUserAndFingerprint returns the user's active device with the
	// given fingerprint, or nil if none.
	GetActiveByUserAndFingerprint(ctx context.Context, userID, fingerprint string) (*domain.Device, error)
	// FingerprintActiveForOtherUser reports whether any other user holds an
	// active device with the given fingerprint.
	FingerprintActiveForOtherUser(ctx context.Context, fingerprint, userID string) (bool, error)
	// FingerprintExists reports whether any device row (active or not) carries
	// the given fingerprint. Used when deriving a collision-free fingerprint.
	FingerprintExists(ctx context.Context, fingerprint string) (bool, error)
	CountActiveByUser(ctx context.Context, userID string) (int, error)
	ListActiveByUser(ctx context.Context, userID string) ([]*domain.Device, error)
	// OldestActiveByUser returns the user's active device with the oldest
	// last-used time (created-at when never used), or nil if none.
	OldestActiveByUser(ctx context.Context, userID string) (*domain.Device, error)
	Create(ctx context.Context, d *domain.Device) error
	// Deactivate retires the device. Devices are never hard-deleted.
	Deactivate(ctx context.Context, id string) error
	UpdateLastUsed(ctx context.Context, id string, at time.Time, ipAddress, location string) error
	SetTrusted(ctx context.Context, id string, trusted bool) error
	UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error
	// DeactivateExpired retires every active device whose expiry has passed
	// and returns the ids of the devices it retired.
	DeactivateExpired(ctx context.Context, now time.Time) ([]string, error)
	// WithUserLock runs fn while holding an exclusive per-user lock, so that
	// quota evaluation and the subsequent insert/evict cannot interleave with
	// a concurrent bind for the same user.
	WithUserLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error
}
