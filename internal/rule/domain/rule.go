// Package domain holds the forwarding rule model and substitution logic.
package domain

import (
	"strings"
	"time"
)

// Rule forwards new messages from a source chat to a target chat, optionally
// rewriting their text.
type Rule struct {
	ID            int64
	UserID        int64
	Source        string
	Target        string
	Substitutions Substitutions
	Active        bool
	CreatedAt     time.Time
	LastForwarded *time.Time
}

// Substitution is a single literal text replacement.
type Substitution struct {
	Old string
	New string
}

// Substitutions is an ordered list of replacements. Order matters: later
// pairs apply to the output of earlier ones.
type Substitutions []Substitution

// ParseSubstitutions parses the user-entered "old->new, old2->new2" form.
// Entries without "->" or with an empty left side are skipped. Returns nil
// for blank input.
func ParseSubstitutions(s string) Substitutions {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	var subs Substitutions
	for _, part := range strings.Split(s, ",") {
		old, repl, ok := strings.Cut(part, "->")
		if !ok {
			continue
		}
		old = strings.TrimSpace(old)
		if old == "" {
			continue
		}
		subs = append(subs, Substitution{Old: old, New: strings.TrimSpace(repl)})
	}
	return subs
}

// Apply rewrites text by applying every substitution in order.
func (s Substitutions) Apply(text string) string {
	for _, sub := range s {
		text = strings.ReplaceAll(text, sub.Old, sub.New)
	}
	return text
}

// String serializes back to the "old->new, old2->new2" form for storage.
func (s Substitutions) String() string {
	if len(s) == 0 {
		return ""
	}
	parts := make([]string, len(s))
	for i, sub := range s {
		parts[i] = sub.Old + "->" + sub.New
	}
	return strings.Join(parts, ", ")
}
