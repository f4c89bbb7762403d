package domain

import "time"

// Role is the user's platform role.
type Role string

const (
	RoleStudent       Role = "student"
	RoleTeacher       Role = "teacher"
	RoleAdministrator Role = "administrator"
)

// User is the minimal user record this core needs; the full account lives
// in the surrounding platform.
type User struct {
	ID           string
	Username     string
	Role         Role
	IsActive     bool
	IsFirstLogin bool
	// MaxDeviceCount, when positive, overrides the configured device quota
	// for this account. Zero means use the configured default.
	MaxDeviceCount int
	CreatedAt      time.Time
}

// IsAdmin reports whether the user holds the quota-exempt role.
func (u *User) IsAdmin() bool {
	return u != nil && u.Role == RoleAdministrator
}
