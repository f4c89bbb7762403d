package repository

import (
	"context"

	"device-trust-plane/internal/user/domain"
)

// Repository defines read access to user records. The user table is owned
// by the surrounding platform; this core only reads it.
type Repository interface {
	GetByID(ctx context.Context, id string) (*domain.User, error)
}
