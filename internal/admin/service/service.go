// Package service implements owner-only reporting and broadcast.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	accountdomain "forward-relay/internal/account/domain"
	"forward-relay/internal/telemetry"
	telemetrydomain "forward-relay/internal/telemetry/domain"
)

// ErrUserNotFound is returned by UserStats for an unknown user id.
var ErrUserNotFound = errors.New("user not found")

// progressEvery is how many deliveries pass between broadcast progress calls.
const progressEvery = 10

// AccountRepo is the minimal account repository needed by the admin service.
type AccountRepo interface {
	GetByID(ctx context.Context, userID int64) (*accountdomain.Account, error)
	ListVerifiedIDs(ctx context.Context) ([]int64, error)
	CountAll(ctx context.Context) (int64, error)
	CountVerified(ctx context.Context) (int64, error)
	CountActiveSince(ctx context.Context, since time.Time) (int64, error)
}

// RuleRepo is the minimal rule repository needed by the admin service.
type RuleRepo interface {
	CountAll(ctx context.Context) (int64, error)
	CountActiveAll(ctx context.Context) (int64, error)
	CountByUser(ctx context.Context, userID int64) (int64, error)
	CountActiveByUser(ctx context.Context, userID int64) (int, error)
}

// RecordRepo counts relayed messages.
type RecordRepo interface {
	CountAll(ctx context.Context) (int64, error)
	CountByUser(ctx context.Context, userID int64) (int64, error)
}

// Notifier delivers a text message to a user over the bot channel.
type Notifier interface {
	SendText(ctx context.Context, userID int64, text string) error
}

// Stats is the service-wide report.
type Stats struct {
	TotalUsers        int64
	VerifiedUsers     int64
	ActiveToday       int64
	TotalRules        int64
	ActiveRules       int64
	ForwardedMessages int64
}

// UserStats is the per-user report.
type UserStats struct {
	UserID            int64
	Phone             string
	Verified          bool
	Joined            time.Time
	LastActive        time.Time
	TotalRules        int64
	ActiveRules       int
	ForwardedMessages int64
}

// BroadcastReport tallies a finished broadcast.
type BroadcastReport struct {
	Recipients int
	Delivered  int
	Failed     int
}

// ProgressFunc is called during a broadcast with the number of attempted
// deliveries so far and the total recipient count.
type ProgressFunc func(sent, total int)

// AdminService answers owner reporting commands and runs broadcasts.
type AdminService struct {
	accounts AccountRepo
	rules    RuleRepo
	records  RecordRepo
	notifier Notifier
	emitter  telemetry.EventEmitter
	delay    time.Duration

	nowF func() time.Time
}

// NewAdminService returns an AdminService. delay is the pause between
// broadcast deliveries; emitter may be nil.
func NewAdminService(accounts AccountRepo, rules RuleRepo, records RecordRepo, notifier Notifier, emitter telemetry.EventEmitter, delay time.Duration) *AdminService {
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	return &AdminService{
		accounts: accounts,
		rules:    rules,
		records:  records,
		notifier: notifier,
		emitter:  emitter,
		delay:    delay,
		nowF:     time.Now,
	}
}

// Stats reports service-wide totals.
func (s *AdminService) Stats(ctx context.Context) (*Stats, error) {
	var stats Stats
	var err error
	if stats.TotalUsers, err = s.accounts.CountAll(ctx); err != nil {
		return nil, fmt.Errorf("admin: count users: %w", err)
	}
	if stats.VerifiedUsers, err = s.accounts.CountVerified(ctx); err != nil {
		return nil, fmt.Errorf("admin: count verified: %w", err)
	}
	if stats.ActiveToday, err = s.accounts.CountActiveSince(ctx, s.nowF().Add(-24*time.Hour)); err != nil {
		return nil, fmt.Errorf("admin: count active: %w", err)
	}
	if stats.TotalRules, err = s.rules.CountAll(ctx); err != nil {
		return nil, fmt.Errorf("admin: count rules: %w", err)
	}
	if stats.ActiveRules, err = s.rules.CountActiveAll(ctx); err != nil {
		return nil, fmt.Errorf("admin: count active rules: %w", err)
	}
	if stats.ForwardedMessages, err = s.records.CountAll(ctx); err != nil {
		return nil, fmt.Errorf("admin: count forwarded: %w", err)
	}
	return &stats, nil
}

// UserStats reports one user's account and relay totals.
func (s *AdminService) UserStats(ctx context.Context, userID int64) (*UserStats, error) {
	account, err := s.accounts.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("admin: load account: %w", err)
	}
	if account == nil {
		return nil, ErrUserNotFound
	}
	stats := &UserStats{
		UserID:     account.UserID,
		Phone:      account.Phone,
		Verified:   account.Verified,
		Joined:     account.CreatedAt,
		LastActive: account.LastActive,
	}
	if stats.TotalRules, err = s.rules.CountByUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("admin: count rules: %w", err)
	}
	if stats.ActiveRules, err = s.rules.CountActiveByUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("admin: count active rules: %w", err)
	}
	if stats.ForwardedMessages, err = s.records.CountByUser(ctx, userID); err != nil {
		return nil, fmt.Errorf("admin: count forwarded: %w", err)
	}
	return stats, nil
}

// Broadcast sends text to every verified user, pausing between deliveries so
// the bot channel is not flooded. Per-recipient failures are tallied, not
// fatal. progress may be nil; it is invoked every tenth delivery and once at
// completion.
func (s *AdminService) Broadcast(ctx context.Context, text string, progress ProgressFunc) (*BroadcastReport, error) {
	ids, err := s.accounts.ListVerifiedIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("admin: list recipients: %w", err)
	}
	report := &BroadcastReport{Recipients: len(ids)}
	for i, userID := range ids {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.notifier.SendText(ctx, userID, text); err != nil {
			report.Failed++
			log.Printf("admin: broadcast to %d: %v", userID, err)
		} else {
			report.Delivered++
		}
		sent := i + 1
		if progress != nil && sent%progressEvery == 0 && sent < len(ids) {
			progress(sent, len(ids))
		}
		if sent < len(ids) {
			select {
			case <-ctx.Done():
				return report, ctx.Err()
			case <-time.After(s.delay):
			}
		}
	}
	if progress != nil {
		progress(len(ids), len(ids))
	}
	telemetry.EmitAsync(s.emitter, ctx, &telemetrydomain.Event{
		Kind:      telemetrydomain.KindBroadcastCompleted,
		Detail:    fmt.Sprintf("delivered=%d failed=%d", report.Delivered, report.Failed),
		CreatedAt: s.nowF().UTC(),
	})
	return report, nil
}
