package security

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	userdomain "device-trust-plane/internal/user/domain"
)

var (
	// ErrInvalidToken is returned when a token is malformed or invalid.
	ErrInvalidToken = errors.New("invalid token")
)

// Token kinds carried in the mandatory kind claim. Access and refresh tokens
// share the encoding but are never interchangeable: the kind is checked after
// full signature/issuer/audience/lifetime validation.
const (
	KindAccess  = "AccessToken"
	KindRefresh = "RefreshToken"
)

// Claims holds the JWT claims for both token kinds. Kind discriminates; no
// other field may be trusted before Kind has been checked.
type Claims struct {
	jwt.RegisteredClaims
	Kind         string `json:"kind"`
	Role         string `json:"role,omitempty"`
	IsFirstLogin bool   `json:"first_login,omitempty"`
	DeviceID     string `json:"device_id,omitempty"`
}

// TokenIssuer issues and validates HS256-signed access and refresh tokens.
// Stateless: every check is against the signature and claims alone.
type TokenIssuer struct {
	secret     []byte
	issuer     string
	audience   string
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewTokenIssuer returns a TokenIssuer that signs with the given shared secret.
// issuer and audience are set on claims and validated on every check.
func NewTokenIssuer(secret, issuer, audience string, accessTTL, refreshTTL time.Duration) *TokenIssuer {
	return &TokenIssuer{
		secret:     []byte(secret),
		issuer:     issuer,
		audience:   audience,
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// IssueAccess issues an access token for the user, optionally bound to a device.
// deviceID may be empty for sessions not tied to a device.
func (i *TokenIssuer) IssueAccess(user *userdomain.User, deviceID string) (string, error) {
	if user == nil {
		return "", ErrInvalidToken
	}
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.accessTTL)),
		},
		Kind:         KindAccess,
		Role:         string(user.Role),
		IsFirstLogin: user.IsFirstLogin,
		DeviceID:     deviceID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// IssueRefresh issues a refresh token for the user, optionally bound to a
// device. A random jti makes every refresh token unique.
func (i *TokenIssuer) IssueRefresh(user *userdomain.User, deviceID string) (string, error) {
	if user == nil {
		return "", ErrInvalidToken
	}
	now := time.Now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   user.ID,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.refreshTTL)),
		},
		Kind:     KindRefresh,
		DeviceID: deviceID,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
}

// ValidateAccess reports whether the token is a valid, unexpired access token.
// A correctly signed refresh token fails this check.
func (i *TokenIssuer) ValidateAccess(token string) bool {
	c, err := i.parse(token)
	return err == nil && c.Kind == KindAccess
}

// ValidateRefresh reports whether the token is a valid, unexpired refresh token.
// A correctly signed access token fails this check.
func (i *TokenIssuer) ValidateRefresh(token string) bool {
	c, err := i.parse(token)
	return err == nil && c.Kind == KindRefresh
}

// ExtractUserID returns the subject of a fully valid token of either kind.
// Returns ("", false) on any validation failure.
func (i *TokenIssuer) ExtractUserID(token string) (string, bool) {
	c, err := i.parse(token)
	if err != nil || c.Subject == "" {
		return "", false
	}
	return c.Subject, true
}

// ExtractDeviceID returns the device id bound into a valid token, or
// ("", false) when absent or the token is invalid.
func (i *TokenIssuer) ExtractDeviceID(token string) (string, bool) {
	c, err := i.parse(token)
	if err != nil || c.DeviceID == "" {
		return "", false
	}
	return c.DeviceID, true
}

// ExtractRole returns the role claim of a valid token, or ("", false).
func (i *TokenIssuer) ExtractRole(token string) (string, bool) {
	c, err := i.parse(token)
	if err != nil || c.Role == "" {
		return "", false
	}
	return c.Role, true
}

// ExtractClaims returns the full claim set of a fully valid token of either
// kind, or nil on any validation failure.
func (i *TokenIssuer) ExtractClaims(token string) *Claims {
	c, err := i.parse(token)
	if err != nil {
		return nil
	}
	return c
}

// ExpiryOf returns the token's expiry without validating the signature, so it
// also works on expired tokens. Returns (zero, false) when unreadable.
func (i *TokenIssuer) ExpiryOf(token string) (time.Time, bool) {
	var c Claims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &c); err != nil {
		return time.Time{}, false
	}
	if c.ExpiresAt == nil {
		return time.Time{}, false
	}
	return c.ExpiresAt.Time, true
}

// IsNearExpiry reports whether the token expires within threshold. An
// unreadable expiry counts as near-expiry so callers refresh proactively.
func (i *TokenIssuer) IsNearExpiry(token string, threshold time.Duration) bool {
	exp, ok := i.ExpiryOf(token)
	if !ok {
		return true
	}
	return time.Until(exp) <= threshold
}

// parse performs full validation (signature, lifetime, issuer, audience) and
// returns the claims. All failure paths collapse to ErrInvalidToken; callers
// surface false/nil, never the raw error.
func (i *TokenIssuer) parse(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return i.secret, nil
	},
		jwt.WithIssuer(i.issuer),
		jwt.WithAudience(i.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Kind != KindAccess && claims.Kind != KindRefresh {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
