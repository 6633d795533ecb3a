package repository

import (
	"context"
	"database/sql"
	"errors"

	"forward-relay/internal/rule/domain"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a rule repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

const ruleColumns = "id, user_id, source, target, substitutions, active, created_at, last_forwarded"

// Create inserts the rule and returns its generated id.
func (r *PostgresRepository) Create(ctx context.Context, rule *domain.Rule) (int64, error) {
	subs := sql.NullString{String: rule.Substitutions.String(), Valid: len(rule.Substitutions) > 0}
	var id int64
	err := r.db.QueryRowContext(ctx, `
		INSERT INTO forwarding_rules (user_id, source, target, substitutions, active)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING id`,
		rule.UserID, rule.Source, rule.Target, subs).Scan(&id)
	if err != nil {
		return 0, err
	}
	return id, nil
}

// GetByID returns the rule, or nil if not found.
func (r *PostgresRepository) GetByID(ctx context.Context, id int64) (*domain.Rule, error) {
	row := r.db.QueryRowContext(ctx,
		"SELECT "+ruleColumns+" FROM forwarding_rules WHERE id = $1", id)
	return scanRule(row)
}

// ListByUser returns the user's rules, newest first.
func (r *PostgresRepository) ListByUser(ctx context.Context, userID int64) ([]*domain.Rule, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+ruleColumns+" FROM forwarding_rules WHERE user_id = $1 ORDER BY created_at DESC, id DESC",
		userID)
	if err != nil {
		return nil, err
	}
	return collectRules(rows)
}

// ListActive returns every active rule across all users.
func (r *PostgresRepository) ListActive(ctx context.Context) ([]*domain.Rule, error) {
	rows, err := r.db.QueryContext(ctx,
		"SELECT "+ruleColumns+" FROM forwarding_rules WHERE active")
	if err != nil {
		return nil, err
	}
	return collectRules(rows)
}

// CountActiveByUser counts the user's active rules for quota checks.
func (r *PostgresRepository) CountActiveByUser(ctx context.Context, userID int64) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM forwarding_rules WHERE user_id = $1 AND active", userID).Scan(&n)
	return n, err
}

// Deactivate clears the active flag. No-op when already inactive.
func (r *PostgresRepository) Deactivate(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE forwarding_rules SET active = FALSE WHERE id = $1", id)
	return err
}

// TouchForwarded records that the rule just relayed a message.
func (r *PostgresRepository) TouchForwarded(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx,
		"UPDATE forwarding_rules SET last_forwarded = now() WHERE id = $1", id)
	return err
}

// CountAll counts every rule, active or not.
func (r *PostgresRepository) CountAll(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM forwarding_rules").Scan(&n)
	return n, err
}

// CountActiveAll counts active rules across all users.
func (r *PostgresRepository) CountActiveAll(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM forwarding_rules WHERE active").Scan(&n)
	return n, err
}

// CountByUser counts all of the user's rules, active or not.
func (r *PostgresRepository) CountByUser(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM forwarding_rules WHERE user_id = $1", userID).Scan(&n)
	return n, err
}

func collectRules(rows *sql.Rows) ([]*domain.Rule, error) {
	defer rows.Close()
	var out []*domain.Rule
	for rows.Next() {
		rule, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (*domain.Rule, error) {
	var rule domain.Rule
	var subs sql.NullString
	var lastForwarded sql.NullTime
	err := row.Scan(&rule.ID, &rule.UserID, &rule.Source, &rule.Target, &subs,
		&rule.Active, &rule.CreatedAt, &lastForwarded)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	if subs.Valid {
		rule.Substitutions = domain.ParseSubstitutions(subs.String)
	}
	if lastForwarded.Valid {
		t := lastForwarded.Time
		rule.LastForwarded = &t
	}
	return &rule, nil
}
