// Package domain defines the telemetry event model.
package domain

import "time"

// Kind classifies a telemetry event.
type Kind string

const (
	KindVerificationStarted   Kind = "verification_started"
	KindVerificationCompleted Kind = "verification_completed"
	KindRuleCreated           Kind = "rule_created"
	KindRuleDeactivated       Kind = "rule_deactivated"
	KindRelayForwarded        Kind = "relay_forwarded"
	KindRelayRetry            Kind = "relay_retry"
	KindBroadcastCompleted    Kind = "broadcast_completed"
)

// Event is a single telemetry event (user-scoped, optional rule/message).
type Event struct {
	Kind      Kind      `json:"kind"`
	UserID    int64     `json:"userId,omitempty"`
	RuleID    int64     `json:"ruleId,omitempty"`
	MessageID int64     `json:"messageId,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}
