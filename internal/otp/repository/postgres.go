package repository

import (
	"context"
	"database/sql"
	"errors"

	"forward-relay/internal/otp/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an OTP challenge repository that uses the given db.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Create persists the challenge. The challenge must have ID set.
func (r *PostgresRepository) Create(ctx context.Context, c *domain.Challenge) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO otp_challenges (id, user_id, phone, code_hash, expires_at, consumed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		c.ID, c.UserID, c.Phone, c.CodeHash, c.ExpiresAt, c.Consumed, c.CreatedAt)
	return err
}

// LatestUnconsumed returns the most recent unconsumed challenge for the user,
// or nil if not found. It returns an error only for database failures.
func (r *PostgresRepository) LatestUnconsumed(ctx context.Context, userID int64) (*domain.Challenge, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, phone, code_hash, expires_at, consumed, created_at
		FROM otp_challenges
		WHERE user_id = $1 AND NOT consumed
		ORDER BY created_at DESC
		LIMIT 1`, userID)
	var c domain.Challenge
	err := row.Scan(&c.ID, &c.UserID, &c.Phone, &c.CodeHash, &c.ExpiresAt, &c.Consumed, &c.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &c, nil
}

// Consume marks the challenge consumed.
func (r *PostgresRepository) Consume(ctx context.Context, id string) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE otp_challenges SET consumed = TRUE WHERE id = $1", id)
	return err
}
