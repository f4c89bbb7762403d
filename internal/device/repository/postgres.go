package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"device-trust-plane/internal/device/domain"
)

const deviceColumns = `id, user_id, fingerprint, name, device_type, operating_system, client_info,
	COALESCE(ip_address, ''), COALESCE(location, ''), is_active, is_trusted, created_at, last_used_at, expires_at`

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a device repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// GetByID returns the device for id, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (*domain.Device, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+deviceColumns+` FROM user_devices WHERE id = $1`, id)
	return scanDevice(row)
}

// GetActiveByUserAndFingerprint returns the user's active device with the given
// fingerprint, or nil if none. Errors only on database failures.
func (r *PostgresRepository) GetActiveByUserAndFingerprint(ctx context.Context, userID, fingerprint string) (*domain.Device, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM user_devices WHERE user_id = $1 AND fingerprint = $2 AND is_active`,
		userID, fingerprint)
	return scanDevice(row)
}

// FingerprintActiveForOtherUser reports whether another user holds an active
// device with the given fingerprint.
func (r *PostgresRepository) FingerprintActiveForOtherUser(ctx context.Context, fingerprint, userID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_devices WHERE fingerprint = $1 AND user_id <> $2 AND is_active)`,
		fingerprint, userID).Scan(&exists)
	return exists, err
}

// FingerprintExists reports whether any device row carries the given fingerprint.
func (r *PostgresRepository) FingerprintExists(ctx context.Context, fingerprint string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM user_devices WHERE fingerprint = $1)`, fingerprint).Scan(&exists)
	return exists, err
}

// CountActiveByUser returns the number of active devices bound to the user.
func (r *PostgresRepository) CountActiveByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM user_devices WHERE user_id = $1 AND is_active`, userID).Scan(&n)
	return n, err
}

// ListActiveByUser returns the user's active devices, most recently used first.
func (r *PostgresRepository) ListActiveByUser(ctx context.Context, userID string) ([]*domain.Device, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+deviceColumns+` FROM user_devices WHERE user_id = $1 AND is_active
		 ORDER BY COALESCE(last_used_at, created_at) DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// OldestActiveByUser returns the user's least recently used active device, or
// nil if the user has no active devices. Ties break on id for determinism.
func (r *PostgresRepository) OldestActiveByUser(ctx context.Context, userID string) (*domain.Device, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT `+deviceColumns+` FROM user_devices WHERE user_id = $1 AND is_active
		 ORDER BY COALESCE(last_used_at, created_at) ASC, id ASC LIMIT 1`, userID)
	return scanDevice(row)
}

// Create persists the device. The device must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, d *domain.Device) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO user_devices (id, user_id, fingerprint, name, device_type, operating_system,
			client_info, ip_address, location, is_active, is_trusted, created_at, last_used_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, NULLIF($8, ''), NULLIF($9, ''), $10, $11, $12, $13, $14)`,
		d.ID, d.UserID, d.Fingerprint, d.Name, d.DeviceType, d.OperatingSystem,
		d.ClientInfo, d.IPAddress, d.Location, d.IsActive, d.IsTrusted, d.CreatedAt,
		nullTime(d.LastUsedAt), nullTime(d.ExpiresAt))
	return err
}

// Deactivate retires the device. Idempotent.
func (r *PostgresRepository) Deactivate(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE user_devices SET is_active = FALSE WHERE id = $1`, id)
	return err
}

// UpdateLastUsed stamps last_used_at and, when non-empty, the client ip/location.
func (r *PostgresRepository) UpdateLastUsed(ctx context.Context, id string, at time.Time, ipAddress, location string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE user_devices SET last_used_at = $2,
			ip_address = COALESCE(NULLIF($3, ''), ip_address),
			location = COALESCE(NULLIF($4, ''), location)
		 WHERE id = $1`, id, at, ipAddress, location)
	return err
}

// SetTrusted sets the device's trusted flag.
func (r *PostgresRepository) SetTrusted(ctx context.Context, id string, trusted bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE user_devices SET is_trusted = $2 WHERE id = $1`, id, trusted)
	return err
}

// UpdateExpiry sets the device's expiry.
func (r *PostgresRepository) UpdateExpiry(ctx context.Context, id string, expiresAt time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE user_devices SET expires_at = $2 WHERE id = $1`, id, expiresAt)
	return err
}

// DeactivateExpired retires every active device whose expiry has passed and
// returns the ids it retired.
func (r *PostgresRepository) DeactivateExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`UPDATE user_devices SET is_active = FALSE
		 WHERE is_active AND expires_at IS NOT NULL AND expires_at < $1
		 RETURNING id`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// WithUserLock serializes fn against concurrent binds for the same user using
// a transaction-scoped Postgres advisory lock keyed on the user id. The lock
// is released when the wrapping transaction ends.
func (r *PostgresRepository) WithUserLock(ctx context.Context, userID string, fn func(ctx context.Context) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, userID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := fn(ctx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(row rowScanner) (*domain.Device, error) {
	var d domain.Device
	var lastUsed, expires sql.NullTime
	err := row.Scan(
		&d.ID, &d.UserID, &d.Fingerprint, &d.Name, &d.DeviceType, &d.OperatingSystem,
		&d.ClientInfo, &d.IPAddress, &d.Location, &d.IsActive, &d.IsTrusted, &d.CreatedAt,
		&lastUsed, &expires,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if lastUsed.Valid {
		d.LastUsedAt = &lastUsed.Time
	}
	if expires.Valid {
		d.ExpiresAt = &expires.Time
	}
	return &d, nil
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
