package domain

import "time"

// Kind discriminates token-backed sessions from cookie-backed ones.
type Kind string

const (
	KindToken  Kind = "token"
	KindCookie Kind = "cookie"
)

// Session represents one live authentication context, optionally tied to a
// device. The row exists for enumeration and revocation; authentication itself
// is verified statelessly against the token signature.
type Session struct {
	ID     string
	UserID string
	// DeviceID is empty for sessions not bound to a device.
	DeviceID string
	// Token is the lookup key. For token-kind sessions whose bearer token
	// exceeds the storage width it is a synthesized compact key, not the
	// bearer token itself.
	Token        string
	RefreshToken string
	Kind         Kind
	IPAddress    string
	UserAgent    string
	Location     string
	IsActive     bool
	CreatedAt    time.Time
	LastActivity time.Time
	ExpiresAt    time.Time
	LogoutAt     *time.Time // nil while the session has not ended
}

// Expired reports whether the session's expiry has passed at now.
func (s *Session) Expired(now time.Time) bool {
	return !s.ExpiresAt.After(now)
}

// Statistics is a point-in-time aggregate over active, unexpired sessions.
type Statistics struct {
	TotalActive    int
	TokenSessions  int
	CookieSessions int
	NewToday       int
	OnlineUsers    int
}
