package repository

import (
	"context"
	"database/sql"
)

type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository returns a record repository that uses the given db for persistence.
func NewPostgresRepository(db *sql.DB) *PostgresRepository {
	return &PostgresRepository{db: db}
}

// Append records that the rule relayed the source message.
func (r *PostgresRepository) Append(ctx context.Context, ruleID, messageID int64) error {
	_, err := r.db.ExecContext(ctx,
		"INSERT INTO forwarded_messages (rule_id, message_id) VALUES ($1, $2)",
		ruleID, messageID)
	return err
}

// Checkpoint returns the highest relayed message id for the rule, 0 when none.
func (r *PostgresRepository) Checkpoint(ctx context.Context, ruleID int64) (int64, error) {
	var checkpoint int64
	err := r.db.QueryRowContext(ctx,
		"SELECT COALESCE(MAX(message_id), 0) FROM forwarded_messages WHERE rule_id = $1",
		ruleID).Scan(&checkpoint)
	return checkpoint, err
}

// CountByRule counts messages relayed by one rule.
func (r *PostgresRepository) CountByRule(ctx context.Context, ruleID int64) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM forwarded_messages WHERE rule_id = $1", ruleID).Scan(&n)
	return n, err
}

// CountAll counts every relayed message across all rules.
func (r *PostgresRepository) CountAll(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM forwarded_messages").Scan(&n)
	return n, err
}

// CountByUser counts messages relayed by all of a user's rules.
func (r *PostgresRepository) CountByUser(ctx context.Context, userID int64) (int64, error) {
	var n int64
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM forwarded_messages fm
		JOIN forwarding_rules fr ON fr.id = fm.rule_id
		WHERE fr.user_id = $1`, userID).Scan(&n)
	return n, err
}
