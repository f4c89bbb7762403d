package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"device-trust-plane/internal/session/domain"
)

const sessionColumns = `id, user_id, COALESCE(device_id, ''), session_token, COALESCE(refresh_token, ''), kind,
	COALESCE(ip_address, ''), COALESCE(user_agent, ''), COALESCE(location, ''), is_active,
	created_at, last_activity_at, expires_at, logout_at`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a session repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the session for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM user_sessions WHERE id = $1`, id)
	return scanSession(row)
}

// GetByToken returns the session whose lookup key equals token, or nil.
func (r *PostgresRepository) GetByToken(ctx context.Context, token string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM user_sessions WHERE session_token = $1`, token)
	return scanSession(row)
}

// GetByRefreshToken returns the active session holding refreshToken, or nil.
func (r *PostgresRepository) GetByRefreshToken(ctx context.Context, refreshToken string) (*domain.Session, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM user_sessions WHERE refresh_token = $1 AND is_active`, refreshToken)
	return scanSession(row)
}

// Create persists the session. The session must have ID and Token set.
func (r *PostgresRepository) Create(ctx context.Context, s *domain.Session) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO user_sessions (id, user_id, device_id, session_token, refresh_token, kind,
			ip_address, user_agent, location, is_active, created_at, last_activity_at, expires_at, logout_at)
		 VALUES ($1, $2, NULLIF($3, ''), $4, NULLIF($5, ''), $6,
			NULLIF($7, ''), NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12, $13, $14)`,
		s.ID, s.UserID, s.DeviceID, s.Token, s.RefreshToken, s.Kind,
		s.IPAddress, s.UserAgent, s.Location, s.IsActive, s.CreatedAt, s.LastActivity, s.ExpiresAt,
		nullTime(s.LogoutAt))
	return err
}

// ListActiveByUser returns the user's active, unexpired sessions, newest activity first.
func (r *PostgresRepository) ListActiveByUser(ctx context.Context, userID string, now time.Time) ([]*domain.Session, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+sessionColumns+` FROM user_sessions
		 WHERE user_id = $1 AND is_active AND expires_at > $2
		 ORDER BY last_activity_at DESC`, userID, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// End deactivates the session and stamps logout time. Reports whether a row changed.
func (r *PostgresRepository) End(ctx context.Context, id string, at time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE user_sessions SET is_active = FALSE, logout_at = $2 WHERE id = $1 AND is_active`, id, at)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// EndAllByUser deactivates the user's active sessions, optionally excluding one.
func (r *PostgresRepository) EndAllByUser(ctx context.Context, userID, excludeSessionID string, at time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE user_sessions SET is_active = FALSE, logout_at = $3
		 WHERE user_id = $1 AND is_active AND ($2 = '' OR id <> $2)`,
		userID, excludeSessionID, at)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// EndAllByDevice deactivates every active session referencing the device.
func (r *PostgresRepository) EndAllByDevice(ctx context.Context, deviceID string, at time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE user_sessions SET is_active = FALSE, logout_at = $2
		 WHERE device_id = $1 AND is_active`, deviceID, at)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// UpdateActivity stamps last_activity_at and, when non-empty, the client ip/location.
func (r *PostgresRepository) UpdateActivity(ctx context.Context, id string, at time.Time, ipAddress, location string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE user_sessions SET last_activity_at = $2,
			ip_address = COALESCE(NULLIF($3, ''), ip_address),
			location = COALESCE(NULLIF($4, ''), location)
		 WHERE id = $1`, id, at, ipAddress, location)
	return err
}

// UpdateRefreshToken replaces the refresh token and expiry and stamps activity.
func (r *PostgresRepository) UpdateRefreshToken(ctx context.Context, id, refreshToken string, expiresAt, at time.Time) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE user_sessions SET refresh_token = NULLIF($2, ''), expires_at = $3, last_activity_at = $4
		 WHERE id = $1`, id, refreshToken, expiresAt, at)
	return err
}

// SweepExpired deactivates expired sessions and stamps logout on them and on
// inactive rows missing one. Idempotent.
func (r *PostgresRepository) SweepExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE user_sessions SET is_active = FALSE, logout_at = COALESCE(logout_at, $1)
		 WHERE (is_active AND expires_at < $1) OR (NOT is_active AND logout_at IS NULL)`, now)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// Statistics returns the point-in-time aggregate over active, unexpired sessions.
func (r *PostgresRepository) Statistics(ctx context.Context, now, dayStart time.Time) (*domain.Statistics, error) {
	const q = `SELECT
		COUNT(*) FILTER (WHERE is_active AND expires_at > $1),
		COUNT(*) FILTER (WHERE is_active AND expires_at > $1 AND kind = $3),
		COUNT(*) FILTER (WHERE is_active AND expires_at > $1 AND kind = $4),
		COUNT(*) FILTER (WHERE created_at >= $2),
		COUNT(DISTINCT user_id) FILTER (WHERE is_active AND expires_at > $1)
	FROM user_sessions`
	var st domain.Statistics
	err := r.db.QueryRowContext(ctx, q, now, dayStart, domain.KindToken, domain.KindCookie).Scan(
		&st.TotalActive, &st.TokenSessions, &st.CookieSessions, &st.NewToday, &st.OnlineUsers,
	)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*domain.Session, error) {
	var s domain.Session
	var logout sql.NullTime
	err := row.Scan(
		&s.ID, &s.UserID, &s.DeviceID, &s.Token, &s.RefreshToken, &s.Kind,
		&s.IPAddress, &s.UserAgent, &s.Location, &s.IsActive,
		&s.CreatedAt, &s.LastActivity, &s.ExpiresAt, &logout,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if logout.Valid {
		s.LogoutAt = &logout.Time
	}
	return &s, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
