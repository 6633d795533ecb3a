// Package service implements forwarding rule management.
package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"forward-relay/internal/rule/domain"
	"forward-relay/internal/transport"
)

// Sentinel errors for the rule service; the bot maps them to corrective replies.
var (
	ErrQuotaExceeded    = errors.New("active rule quota reached")
	ErrSourceUnreadable = errors.New("source chat is not readable by your session")
	ErrTargetUnwritable = errors.New("target chat is not writable by your session")
	ErrRuleNotFound     = errors.New("forwarding rule not found")
)

const probeText = "Connection test - this message will be deleted."

// RuleRepo is the minimal rule repository needed by the service.
type RuleRepo interface {
	Create(ctx context.Context, r *domain.Rule) (int64, error)
	GetByID(ctx context.Context, id int64) (*domain.Rule, error)
	ListByUser(ctx context.Context, userID int64) ([]*domain.Rule, error)
	CountActiveByUser(ctx context.Context, userID int64) (int, error)
	Deactivate(ctx context.Context, id int64) error
}

// RecordCounter counts relayed messages per rule for listings.
type RecordCounter interface {
	CountByRule(ctx context.Context, ruleID int64) (int64, error)
}

// Sessions yields the user's live transport session.
type Sessions interface {
	Get(ctx context.Context, userID int64) (transport.Client, error)
}

// RelayController starts and stops per-rule relay tasks.
type RelayController interface {
	Start(rule *domain.Rule)
	Stop(ruleID int64)
}

// Summary is a rule plus its relay statistics, for listings.
type Summary struct {
	Rule           *domain.Rule
	ForwardedCount int64
}

// RuleService validates, stores, and controls forwarding rules.
type RuleService struct {
	rules    RuleRepo
	records  RecordCounter
	sessions Sessions
	relay    RelayController
	quota    int
}

// NewRuleService returns a RuleService enforcing the given active-rule quota.
func NewRuleService(rules RuleRepo, records RecordCounter, sessions Sessions, relay RelayController, quota int) *RuleService {
	if quota <= 0 {
		quota = 10
	}
	return &RuleService{
		rules:    rules,
		records:  records,
		sessions: sessions,
		relay:    relay,
		quota:    quota,
	}
}

// Create validates both ends of the rule against the user's live session,
// stores it, and starts its relay task. The substitutions argument accepts
// the "old->new, old2->new2" form; blank or "skip" means none.
func (s *RuleService) Create(ctx context.Context, userID int64, source, target, substitutions string) (*domain.Rule, error) {
	count, err := s.rules.CountActiveByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("rule: count active: %w", err)
	}
	if count >= s.quota {
		return nil, ErrQuotaExceeded
	}

	client, err := s.sessions.Get(ctx, userID)
	if err != nil {
		return nil, err
	}
	if err := client.ProbeRead(ctx, source); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSourceUnreadable, err)
	}
	probeID, err := client.SendText(ctx, target, probeText)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTargetUnwritable, err)
	}
	if err := client.DeleteMessage(ctx, target, probeID); err != nil {
		log.Printf("rule: delete probe message %d in %s: %v", probeID, target, err)
	}

	subs := substitutions
	if strings.EqualFold(strings.TrimSpace(subs), "skip") {
		subs = ""
	}
	rule := &domain.Rule{
		UserID:        userID,
		Source:        source,
		Target:        target,
		Substitutions: domain.ParseSubstitutions(subs),
		Active:        true,
	}
	id, err := s.rules.Create(ctx, rule)
	if err != nil {
		return nil, fmt.Errorf("rule: store: %w", err)
	}
	rule.ID = id
	s.relay.Start(rule)
	return rule, nil
}

// List returns the user's rules, newest first, with relay counts.
func (s *RuleService) List(ctx context.Context, userID int64) ([]Summary, error) {
	rules, err := s.rules.ListByUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("rule: list: %w", err)
	}
	out := make([]Summary, 0, len(rules))
	for _, rule := range rules {
		count, err := s.records.CountByRule(ctx, rule.ID)
		if err != nil {
			return nil, fmt.Errorf("rule: count records for %d: %w", rule.ID, err)
		}
		out = append(out, Summary{Rule: rule, ForwardedCount: count})
	}
	return out, nil
}

// Deactivate turns the rule off and cancels its running relay task. Only the
// owner can deactivate; deactivating an already inactive rule is a no-op.
func (s *RuleService) Deactivate(ctx context.Context, userID, ruleID int64) error {
	rule, err := s.rules.GetByID(ctx, ruleID)
	if err != nil {
		return fmt.Errorf("rule: load: %w", err)
	}
	if rule == nil || rule.UserID != userID {
		return ErrRuleNotFound
	}
	if !rule.Active {
		return nil
	}
	if err := s.rules.Deactivate(ctx, ruleID); err != nil {
		return fmt.Errorf("rule: deactivate: %w", err)
	}
	s.relay.Stop(ruleID)
	return nil
}
