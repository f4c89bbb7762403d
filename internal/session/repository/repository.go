package repository

import (
	"context"
	"time"

	"device-trust-plane/internal/session/domain"
)

// Repository defines persistence for sessions.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	// GetByToken returns the session whose lookup key equals token, or nil.
	GetByToken(ctx context.Context, token string) (*domain.Session, error)
	// GetByRefreshToken returns the active session holding the refresh token, or nil.
	GetByRefreshToken(ctx context.Context, refreshToken string) (*domain.Session, error)
	Create(ctx context.Context, s *domain.Session) error
	// ListActiveByUser returns the user's active, unexpired sessions, newest
	// activity first.
	ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Session, error)
	// End deactivates the session and stamps logout time. Reports whether a
	// row changed.
	End(ctx context.Context, id string, at time.Time) (bool, error)
	// EndAllByUser deactivates the user's active sessions, except
	// excludeSessionID when non-empty. Returns the number ended.
	EndAllByUser(ctx context.Context, userID, excludeSessionID string, at time.Time) (int, error)
	// EndAllByDevice deactivates every active session referencing the device.
	// Returns the number ended.
	EndAllByDevice(ctx context.Context, deviceID string, at time.Time) (int, error)
	UpdateActivity(ctx context.Context, id string, at time.Time, ipAddress, location string) error
	UpdateRefreshToken(ctx context.Context, id, refreshToken string, expiresAt, at time.Time) error
	// SweepExpired deactivates sessions whose expiry has passed, stamps a
	// logout time on them and on already-inactive rows missing one, and
	// returns the number of rows touched.
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	Statistics(ctx context.Context, now, dayStart time.Time) (*domain.Statistics, error)
}
