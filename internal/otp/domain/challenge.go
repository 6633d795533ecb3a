package domain

import "time"

// Challenge represents an OTP challenge (stored in otp_challenges table).
// Multiple challenges may exist per user; only the most recent unconsumed,
// unexpired one is valid.
type Challenge struct {
	ID        string
	UserID    int64
	Phone     string
	CodeHash  string
	ExpiresAt time.Time
	Consumed  bool
	CreatedAt time.Time
}
