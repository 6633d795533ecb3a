// Package repository persists forwarding rules.
package repository

import (
	"context"

	"forward-relay/internal/rule/domain"
)

// Repository is the forwarding rule store.
type Repository interface {
	Create(ctx context.Context, r *domain.Rule) (int64, error)
	GetByID(ctx context.Context, id int64) (*domain.Rule, error)
	ListByUser(ctx context.Context, userID int64) ([]*domain.Rule, error)
	ListActive(ctx context.Context) ([]*domain.Rule, error)
	CountActiveByUser(ctx context.Context, userID int64) (int, error)
	CountAll(ctx context.Context) (int64, error)
	CountActiveAll(ctx context.Context) (int64, error)
	CountByUser(ctx context.Context, userID int64) (int64, error)
	Deactivate(ctx context.Context, id int64) error
	TouchForwarded(ctx context.Context, id int64) error
}
