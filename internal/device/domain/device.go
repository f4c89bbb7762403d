package domain

import "time"

// Device represents one physical or software endpoint bound to a single account.
// A device belongs to its user for its whole lifetime; a deactivated device is
// retired, never reactivated.
type Device struct {
	ID              string
	UserID          string
	Fingerprint     string
	Name            string
	DeviceType      string
	OperatingSystem string
	ClientInfo      string
	IPAddress       string
	Location        string
	IsActive        bool
	IsTrusted       bool
	CreatedAt       time.Time
	LastUsedAt      *time.Time
	ExpiresAt       *time.Time // nil means no expiry
}

// Expired reports whether the device's expiry window has passed at now.
// A device without an expiry never expires.
func (d *Device) Expired(now time.Time) bool {
	return d.ExpiresAt != nil && !d.ExpiresAt.After(now)
}

// EffectivelyTrusted reports whether the device counts as trusted at now:
// active, flagged trusted, and not expired.
func (d *Device) EffectivelyTrusted(now time.Time) bool {
	return d.IsActive && d.IsTrusted && !d.Expired(now)
}

// LastSeen returns the most recent use time, falling back to creation time.
// Eviction ordering uses this value.
func (d *Device) LastSeen() time.Time {
	if d.LastUsedAt != nil {
		return *d.LastUsedAt
	}
	return d.CreatedAt
}
