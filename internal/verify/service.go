// Package verify drives the phone + OTP verification flow that provisions a
// user's relay session.
package verify

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nyaruka/phonenumbers"

	accountdomain "forward-relay/internal/account/domain"
	"forward-relay/internal/otp"
	otpdomain "forward-relay/internal/otp/domain"
	"forward-relay/internal/security"
	"forward-relay/internal/sms"
	"forward-relay/internal/transport"
)

var (
	ErrInvalidPhone  = errors.New("verify: invalid phone number")
	ErrPhoneConflict = errors.New("verify: phone number already verified by another account")
	ErrNotInProgress = errors.New("verify: no verification in progress")
	ErrNoChallenge   = errors.New("verify: no pending code")
	ErrCodeExpired   = errors.New("verify: code expired")
	ErrCodeMismatch  = errors.New("verify: incorrect code")
	ErrProvisioning  = errors.New("verify: could not establish session")
)

// Stage is where a user currently is in the verification conversation.
type Stage int

const (
	StageNone Stage = iota
	StagePhone
	StageCode
)

// DeliveryChannel reports how the OTP reached the user.
type DeliveryChannel string

const (
	DeliveredSMS    DeliveryChannel = "sms"
	DeliveredInBand DeliveryChannel = "in_band"
)

// PhoneResult is the outcome of SubmitPhone. Code is set only for in-band
// delivery, where the bot itself must show it to the user.
type PhoneResult struct {
	Phone   string
	Channel DeliveryChannel
	Code    string
}

// Result is the outcome of a completed verification.
type Result struct {
	Phone string
	Me    transport.User
}

type conversationState interface{ verifyState() }

type awaitingPhone struct{}

type awaitingOtp struct{ phone string }

func (awaitingPhone) verifyState() {}
func (awaitingOtp) verifyState()   {}

// AccountRepository is the slice of the account store verification needs.
type AccountRepository interface {
	GetByPhone(ctx context.Context, phone string) (*accountdomain.Account, error)
	Upsert(ctx context.Context, userID int64, phone string) error
	SetVerified(ctx context.Context, userID int64, verified bool) error
	SetSessionSealed(ctx context.Context, userID int64, sealed []byte) error
}

// ChallengeRepository stores OTP challenges.
type ChallengeRepository interface {
	Create(ctx context.Context, c *otpdomain.Challenge) error
	LatestUnconsumed(ctx context.Context, userID int64) (*otpdomain.Challenge, error)
	Consume(ctx context.Context, id string) error
}

// SessionSink receives the freshly provisioned live session.
type SessionSink interface {
	Put(userID int64, client transport.Client)
}

// Service is the verification state machine. Conversation state is held in
// memory; the durable pieces (account, challenge, credential) live in the
// repositories.
type Service struct {
	accounts   AccountRepository
	challenges ChallengeRepository
	sender     sms.Sender
	dialer     transport.Dialer
	sealer     *security.Sealer
	sessions   SessionSink
	ttl        time.Duration

	mu     sync.Mutex
	states map[int64]conversationState

	nowF func() time.Time
}

func NewService(
	accounts AccountRepository,
	challenges ChallengeRepository,
	sender sms.Sender,
	dialer transport.Dialer,
	sealer *security.Sealer,
	sessions SessionSink,
	ttl time.Duration,
) *Service {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Service{
		accounts:   accounts,
		challenges: challenges,
		sender:     sender,
		dialer:     dialer,
		sealer:     sealer,
		sessions:   sessions,
		ttl:        ttl,
		states:     make(map[int64]conversationState),
		nowF:       time.Now,
	}
}

// Begin puts the user at the phone-entry stage, replacing any prior
// conversation state.
func (s *Service) Begin(userID int64) {
	s.mu.Lock()
	s.states[userID] = awaitingPhone{}
	s.mu.Unlock()
}

// Cancel drops the user's conversation state. Idempotent.
func (s *Service) Cancel(userID int64) {
	s.mu.Lock()
	delete(s.states, userID)
	s.mu.Unlock()
}

// Stage reports the user's current conversation stage for message routing.
func (s *Service) Stage(userID int64) Stage {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.states[userID].(type) {
	case awaitingPhone:
		return StagePhone
	case awaitingOtp:
		return StageCode
	}
	return StageNone
}

// SubmitPhone validates the phone number, issues an OTP challenge, and moves
// the conversation to the code stage. The code is delivered over SMS when a
// sender is configured and reachable, otherwise in-band via the result.
func (s *Service) SubmitPhone(ctx context.Context, userID int64, rawPhone string) (*PhoneResult, error) {
	parsed, err := phonenumbers.Parse(rawPhone, "")
	if err != nil || !phonenumbers.IsValidNumber(parsed) {
		return nil, ErrInvalidPhone
	}
	phone := phonenumbers.Format(parsed, phonenumbers.E164)

	// The phone column is unique across accounts; any other holder conflicts,
	// verified or not, so the unique constraint is never hit mid-flow.
	existing, err := s.accounts.GetByPhone(ctx, phone)
	if err != nil {
		return nil, fmt.Errorf("verify: lookup phone: %w", err)
	}
	if existing != nil && existing.UserID != userID {
		return nil, ErrPhoneConflict
	}

	if err := s.accounts.Upsert(ctx, userID, phone); err != nil {
		return nil, fmt.Errorf("verify: upsert account: %w", err)
	}

	code, err := otp.GenerateCode()
	if err != nil {
		return nil, fmt.Errorf("verify: generate code: %w", err)
	}
	now := s.nowF()
	challenge := &otpdomain.Challenge{
		ID:        uuid.NewString(),
		UserID:    userID,
		Phone:     phone,
		CodeHash:  otp.HashCode(code),
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}
	if err := s.challenges.Create(ctx, challenge); err != nil {
		return nil, fmt.Errorf("verify: store challenge: %w", err)
	}

	result := &PhoneResult{Phone: phone, Channel: DeliveredSMS}
	if s.sender == nil {
		result.Channel = DeliveredInBand
		result.Code = code
	} else if err := s.sender.SendOTP(ctx, phone, code); err != nil {
		log.Printf("verify: sms delivery to user %d failed, falling back in-band: %v", userID, err)
		result.Channel = DeliveredInBand
		result.Code = code
	}

	s.mu.Lock()
	s.states[userID] = awaitingOtp{phone: phone}
	s.mu.Unlock()
	return result, nil
}

// SubmitCode checks the code against the latest unconsumed challenge and, on
// match, provisions the user's relay session and persists its sealed
// credential. A mismatch keeps the conversation at the code stage; an expired
// code resets it so the user starts over from the phone.
func (s *Service) SubmitCode(ctx context.Context, userID int64, code string) (*Result, error) {
	s.mu.Lock()
	state, ok := s.states[userID].(awaitingOtp)
	s.mu.Unlock()
	if !ok {
		return nil, ErrNotInProgress
	}

	challenge, err := s.challenges.LatestUnconsumed(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("verify: load challenge: %w", err)
	}
	if challenge == nil {
		return nil, ErrNoChallenge
	}
	if s.nowF().After(challenge.ExpiresAt) {
		s.Cancel(userID)
		return nil, ErrCodeExpired
	}
	if !otp.CodeEqual(code, challenge.CodeHash) {
		return nil, ErrCodeMismatch
	}

	if err := s.challenges.Consume(ctx, challenge.ID); err != nil {
		return nil, fmt.Errorf("verify: consume challenge: %w", err)
	}
	if err := s.accounts.SetVerified(ctx, userID, true); err != nil {
		return nil, fmt.Errorf("verify: mark verified: %w", err)
	}

	client, credential, err := s.dialer.Provision(ctx, state.phone, code)
	if err != nil {
		if rbErr := s.accounts.SetVerified(ctx, userID, false); rbErr != nil {
			log.Printf("verify: roll back verified flag for user %d: %v", userID, rbErr)
		}
		return nil, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	sealed, err := s.sealer.Seal(credential)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("verify: seal credential: %w", err)
	}
	if err := s.accounts.SetSessionSealed(ctx, userID, sealed); err != nil {
		client.Close()
		return nil, fmt.Errorf("verify: store credential: %w", err)
	}

	me, err := client.Me(ctx)
	if err != nil {
		log.Printf("verify: identity probe for user %d: %v", userID, err)
	}
	s.sessions.Put(userID, client)
	s.Cancel(userID)
	return &Result{Phone: state.phone, Me: me}, nil
}
