package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"forward-relay/internal/account/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns an account repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const accountColumns = "user_id, phone, verified, session_sealed, created_at, last_active"

// GetByID returns the account for userID, or nil if not found.
// It returns an error only for database failures, not for missing rows.
func (r *PostgresRepository) GetByID(ctx context.Context, userID int64) (*domain.Account, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE user_id = $1", userID)
	return scanAccount(row)
}

// GetByPhone returns the account bound to phone, or nil if none.
func (r *PostgresRepository) GetByPhone(ctx context.Context, phone string) (*domain.Account, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE phone = $1", phone)
	return scanAccount(row)
}

// Upsert creates the account on first contact or updates its phone, touching
// last_active either way. An empty phone leaves any stored phone in place.
func (r *PostgresRepository) Upsert(ctx context.Context, userID int64, phone string) error {
	phoneVal := sql.NullString{String: phone, Valid: phone != ""}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (user_id, phone) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET
			phone = COALESCE(EXCLUDED.phone, accounts.phone),
			last_active = now()`,
		userID, phoneVal)
	return err
}

// SetVerified sets the verified flag and touches last_active.
func (r *PostgresRepository) SetVerified(ctx context.Context, userID int64, verified bool) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE accounts SET verified = $2, last_active = now() WHERE user_id = $1",
		userID, verified)
	return err
}

// SetSessionSealed stores the sealed secondary-session credential.
func (r *PostgresRepository) SetSessionSealed(ctx context.Context, userID int64, sealed []byte) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE accounts SET session_sealed = $2, last_active = now() WHERE user_id = $1",
		userID, sealed)
	return err
}

// ListVerifiedWithSession returns all verified accounts holding a stored credential.
func (r *PostgresRepository) ListVerifiedWithSession(ctx context.Context) ([]*domain.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+accountColumns+" FROM accounts WHERE verified AND session_sealed IS NOT NULL")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*domain.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// ListVerifiedIDs returns the user ids of all verified accounts.
func (r *PostgresRepository) ListVerifiedIDs(ctx context.Context) ([]int64, error) {
	rows, err := r.db.QueryContext(ctx, "SELECT user_id FROM accounts WHERE verified")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CountAll counts every account ever seen.
func (r *PostgresRepository) CountAll(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM accounts").Scan(&n)
	return n, err
}

// CountVerified counts verified accounts.
func (r *PostgresRepository) CountVerified(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM accounts WHERE verified").Scan(&n)
	return n, err
}

// CountActiveSince counts accounts active after the given time.
func (r *PostgresRepository) CountActiveSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM accounts WHERE last_active > $1", since).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*domain.Account, error) {
	var a domain.Account
	var phone sql.NullString
	err := row.Scan(&a.UserID, &phone, &a.Verified, &a.SessionSealed, &a.CreatedAt, &a.LastActive)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if phone.Valid {
		a.Phone = phone.String
	}
	return &a, nil
}
