package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"device-trust-plane/internal/audit"
	devicedomain "device-trust-plane/internal/device/domain"
	sessiondomain "device-trust-plane/internal/session/domain"
	"device-trust-plane/internal/telemetry"
	userdomain "device-trust-plane/internal/user/domain"
)

// Sentinel errors for the session manager; handlers map them to gRPC codes.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionInvalid  = errors.New("session is inactive or expired")
	ErrUserNotFound    = errors.New("user not found")
	ErrUserInactive    = errors.New("user account is inactive")
)

// defaultSessionTTL applies when CreateInput carries no expiry.
const defaultSessionTTL = 7 * 24 * time.Hour

// SessionRepo is the session repository surface needed by the manager.
type SessionRepo interface {
	GetByID(ctx context.Context, id string) (*sessiondomain.Session, error)
	GetByToken(ctx context.Context, token string) (*sessiondomain.Session, error)
	GetByRefreshToken(ctx context.Context, refreshToken string) (*sessiondomain.Session, error)
	Create(ctx context.Context, s *sessiondomain.Session) error
	ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*sessiondomain.Session, error)
	End(ctx context.Context, id string, at time.Time) (bool, error)
	EndAllByUser(ctx context.Context, userID, excludeSessionID string, at time.Time) (int, error)
	UpdateActivity(ctx context.Context, id string, at time.Time, ipAddress, location string) error
	UpdateRefreshToken(ctx context.Context, id, refreshToken string, expiresAt, at time.Time) error
	SweepExpired(ctx context.Context, now time.Time) (int, error)
	Statistics(ctx context.Context, now, dayStart time.Time) (*sessiondomain.Statistics, error)
}

// DeviceRepo is the device repository surface needed by the manager.
type DeviceRepo interface {
	GetByID(ctx context.Context, id string) (*devicedomain.Device, error)
}

// UserRepo is the user repository surface needed by the manager.
type UserRepo interface {
	GetByID(ctx context.Context, id string) (*userdomain.User, error)
}

// CreateInput carries everything known about a session at creation.
type CreateInput struct {
	UserID string
	// DeviceID is empty for sessions not bound to a device.
	DeviceID string
	// Token is the bearer credential. Tokens longer than the storage width
	// are replaced by a synthesized compact lookup key.
	Token        string
	RefreshToken string
	Kind         sessiondomain.Kind
	IPAddress    string
	UserAgent    string
	Location     string
	// ExpiresAt is optional; the default session lifetime applies when zero.
	ExpiresAt time.Time
}

// Summary pairs a session with the device it is bound to, if any.
type Summary struct {
	Session *sessiondomain.Session
	Device  *devicedomain.Device
}

// Manager owns session bookkeeping: creation, validation, activity tracking,
// revocation, sweeps, and statistics. Authentication itself stays stateless;
// the session row exists so sessions can be enumerated and revoked.
type Manager struct {
	sessionRepo SessionRepo
	deviceRepo  DeviceRepo
	userRepo    UserRepo
	auditLog    audit.AuditLogger
	emitter     telemetry.EventEmitter

	maxTokenLength int

	nowF func() time.Time
}

// NewManager returns a Manager. maxTokenLength is the longest token stored
// verbatim as a lookup key.
func NewManager(
	sessionRepo SessionRepo,
	deviceRepo DeviceRepo,
	userRepo UserRepo,
	auditLog audit.AuditLogger,
	emitter telemetry.EventEmitter,
	maxTokenLength int,
) *Manager {
	return &Manager{
		sessionRepo:    sessionRepo,
		deviceRepo:     deviceRepo,
		userRepo:       userRepo,
		auditLog:       auditLog,
		emitter:        emitter,
		maxTokenLength: maxTokenLength,
		nowF:           func() time.Time { return time.Now().UTC() },
	}
}

// Create records a new session. The returned session's Token is the lookup
// key actually stored, which differs from the bearer token when the bearer
// token exceeds the storage width.
func (m *Manager) Create(ctx context.Context, in CreateInput) (*sessiondomain.Session, error) {
	user, err := m.userRepo.GetByID(ctx, in.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil {
		return nil, ErrUserNotFound
	}
	if !user.IsActive {
		return nil, ErrUserInactive
	}

	now := m.nowF()
	expiresAt := in.ExpiresAt
	if expiresAt.IsZero() {
		expiresAt = now.Add(defaultSessionTTL)
	}

	kind := in.Kind
	if kind == "" {
		kind = sessiondomain.KindToken
	}

	token := in.Token
	if kind == sessiondomain.KindToken && len(token) > m.maxTokenLength {
		token = m.compactKey(in.UserID, now)
	}

	sess := &sessiondomain.Session{
		ID:           uuid.New().String(),
		UserID:       in.UserID,
		DeviceID:     in.DeviceID,
		Token:        token,
		RefreshToken: in.RefreshToken,
		Kind:         kind,
		IPAddress:    in.IPAddress,
		UserAgent:    in.UserAgent,
		Location:     in.Location,
		IsActive:     true,
		CreatedAt:    now,
		LastActivity: now,
		ExpiresAt:    expiresAt,
	}
	if err := m.sessionRepo.Create(ctx, sess); err != nil {
		return nil, err
	}

	m.logAndEmit(ctx, sess, "session_create", "session_created",
		fmt.Sprintf(`{"kind":%q}`, kind))
	return sess, nil
}

// Validate resolves the lookup key to a live session: active, unexpired, and
// owned by an active account. Returns ErrSessionInvalid otherwise.
func (m *Manager) Validate(ctx context.Context, token string) (*sessiondomain.Session, error) {
	sess, err := m.sessionRepo.GetByToken(ctx, token)
	if err != nil {
		return nil, err
	}
	if sess == nil || !sess.IsActive || sess.Expired(m.nowF()) {
		return nil, ErrSessionInvalid
	}
	user, err := m.userRepo.GetByID(ctx, sess.UserID)
	if err != nil {
		return nil, err
	}
	if user == nil || !user.IsActive {
		return nil, ErrSessionInvalid
	}
	return sess, nil
}

// Touch records activity on the session.
func (m *Manager) Touch(ctx context.Context, sessionID, ipAddress, location string) error {
	sess, err := m.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess == nil {
		return ErrSessionNotFound
	}
	return m.sessionRepo.UpdateActivity(ctx, sessionID, m.nowF(), ipAddress, location)
}

// End resolves the lookup key and deactivates the session, stamping its
// logout time. Ending an already ended or unknown session is not an error;
// it reports false.
func (m *Manager) End(ctx context.Context, token string) (bool, error) {
	sess, err := m.sessionRepo.GetByToken(ctx, token)
	if err != nil {
		return false, err
	}
	if sess == nil {
		return false, nil
	}
	ended, err := m.sessionRepo.End(ctx, sess.ID, m.nowF())
	if err != nil {
		return false, err
	}
	if ended {
		m.logAndEmit(ctx, sess, "session_end", "session_ended", "")
	}
	return ended, nil
}

// EndAll deactivates the user's active sessions, sparing excludeSessionID
// when non-empty. Returns the number of sessions ended.
func (m *Manager) EndAll(ctx context.Context, userID, excludeSessionID string) (int, error) {
	n, err := m.sessionRepo.EndAllByUser(ctx, userID, excludeSessionID, m.nowF())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logAndEmit(ctx, &sessiondomain.Session{UserID: userID}, "session_end_all", "sessions_ended",
			fmt.Sprintf(`{"count":%d}`, n))
	}
	return n, nil
}

// GetByRefreshToken returns the active session holding the refresh token,
// or nil when no such session exists.
func (m *Manager) GetByRefreshToken(ctx context.Context, refreshToken string) (*sessiondomain.Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return nil, nil
	}
	return m.sessionRepo.GetByRefreshToken(ctx, refreshToken)
}

// RotateRefreshToken swaps the session's refresh token and extends its
// expiry. Reports false without error when the session is missing, inactive,
// or expired, so callers fail silently the way token refresh should.
func (m *Manager) RotateRefreshToken(ctx context.Context, sessionID, newRefreshToken string, newExpiresAt time.Time) (bool, error) {
	sess, err := m.sessionRepo.GetByID(ctx, sessionID)
	if err != nil {
		return false, err
	}
	now := m.nowF()
	if sess == nil || !sess.IsActive || sess.Expired(now) {
		return false, nil
	}
	if err := m.sessionRepo.UpdateRefreshToken(ctx, sessionID, newRefreshToken, newExpiresAt, now); err != nil {
		return false, err
	}
	return true, nil
}

// ListActive returns the user's live sessions newest activity first, each
// paired with its device when bound to one.
func (m *Manager) ListActive(ctx context.Context, userID string) ([]*Summary, error) {
	sessions, err := m.sessionRepo.ListActiveByUser(ctx, userID, m.nowF())
	if err != nil {
		return nil, err
	}
	out := make([]*Summary, 0, len(sessions))
	for _, sess := range sessions {
		summary := &Summary{Session: sess}
		if sess.DeviceID != "" {
			device, err := m.deviceRepo.GetByID(ctx, sess.DeviceID)
			if err != nil {
				return nil, err
			}
			summary.Device = device
		}
		out = append(out, summary)
	}
	return out, nil
}

// SweepExpired closes out expired sessions and repairs inactive rows missing
// a logout stamp. Returns the number of rows touched.
func (m *Manager) SweepExpired(ctx context.Context) (int, error) {
	return m.sessionRepo.SweepExpired(ctx, m.nowF())
}

// Statistics aggregates the current session population. "New today" counts
// from UTC midnight.
func (m *Manager) Statistics(ctx context.Context) (*sessiondomain.Statistics, error) {
	now := m.nowF()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return m.sessionRepo.Statistics(ctx, now, dayStart)
}

// compactKey synthesizes a short unique lookup key for a token too long to
// store verbatim.
func (m *Manager) compactKey(userID string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]
	return fmt.Sprintf("JWT_%s_%d_%s", userID, now.Unix(), suffix)
}

func (m *Manager) logAndEmit(ctx context.Context, sess *sessiondomain.Session, action, eventType, metadata string) {
	if m.auditLog != nil {
		m.auditLog.LogEvent(ctx, sess.UserID, action, "session", metadata)
	}
	telemetry.EmitAsync(m.emitter, &telemetry.Event{
		UserID:    sess.UserID,
		DeviceID:  sess.DeviceID,
		SessionID: sess.ID,
		EventType: eventType,
		Source:    "session_manager",
		Metadata:  []byte(metadata),
		CreatedAt: m.nowF(),
	})
}
