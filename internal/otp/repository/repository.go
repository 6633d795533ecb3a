package repository

import (
	"context"

	"forward-relay/internal/otp/domain"
)

// Repository defines persistence for OTP challenges.
type Repository interface {
	Create(ctx context.Context, c *domain.Challenge) error
	// LatestUnconsumed returns the most recent unconsumed challenge for the
	// user, or nil if none exists.
	LatestUnconsumed(ctx context.Context, userID int64) (*domain.Challenge, error)
	// Consume marks the challenge consumed. One-way transition.
	Consume(ctx context.Context, id string) error
}
