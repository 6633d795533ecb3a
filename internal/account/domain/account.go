package domain

import "time"

// Account is the core user account entity, keyed by the numeric messaging-platform user id.
type Account struct {
	UserID        int64
	Phone         string // E.164; empty until first phone submission; unique across accounts
	Verified      bool
	SessionSealed []byte // sealed secondary-session credential; nil until verified
	CreatedAt     time.Time
	LastActive    time.Time
}
