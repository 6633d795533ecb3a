// Package repository persists relayed-message records.
package repository

import "context"

// Repository is the relayed-message checkpoint store.
type Repository interface {
	Append(ctx context.Context, ruleID, messageID int64) error
	Checkpoint(ctx context.Context, ruleID int64) (int64, error)
	CountByRule(ctx context.Context, ruleID int64) (int64, error)
	CountAll(ctx context.Context) (int64, error)
	CountByUser(ctx context.Context, userID int64) (int64, error)
}
