package repository

import (
	"context"
	"time"

	"forward-relay/internal/account/domain"
)

// Repository defines persistence for accounts.
type Repository interface {
	GetByID(ctx context.Context, userID int64) (*domain.Account, error)
	GetByPhone(ctx context.Context, phone string) (*domain.Account, error)
	// Upsert creates the account on first contact or updates its phone,
	// touching last_active either way. An empty phone leaves any stored phone
	// in place; verified state and the sealed credential are not modified.
	Upsert(ctx context.Context, userID int64, phone string) error
	SetVerified(ctx context.Context, userID int64, verified bool) error
	SetSessionSealed(ctx context.Context, userID int64, sealed []byte) error
	// ListVerifiedWithSession returns all verified accounts holding a stored credential.
	ListVerifiedWithSession(ctx context.Context) ([]*domain.Account, error)
	// ListVerifiedIDs returns the user ids of all verified accounts.
	ListVerifiedIDs(ctx context.Context) ([]int64, error)
	CountAll(ctx context.Context) (int64, error)
	CountVerified(ctx context.Context) (int64, error)
	CountActiveSince(ctx context.Context, since time.Time) (int64, error)
}
