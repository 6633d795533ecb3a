// Package domain holds the relayed-message checkpoint model.
package domain

import "time"

// Record marks one source message as relayed by a rule. The highest
// message id per rule is the rule's checkpoint.
type Record struct {
	ID          int64
	RuleID      int64
	MessageID   int64
	ForwardedAt time.Time
}
