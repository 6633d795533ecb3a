// Package registry tracks live transport sessions per user.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"forward-relay/internal/account/domain"
	"forward-relay/internal/security"
	"forward-relay/internal/transport"
)

// ErrSessionExpired is returned when no live session exists and the stored
// credential can no longer be restored. The user must re-verify.
var ErrSessionExpired = errors.New("registry: session expired, re-verification required")

// AccountRepository is the slice of the account store the registry needs.
type AccountRepository interface {
	GetByID(ctx context.Context, userID int64) (*domain.Account, error)
	ListVerifiedWithSession(ctx context.Context) ([]*domain.Account, error)
}

// Registry maps user ids to live transport clients. At most one live handle
// exists per user.
type Registry struct {
	accounts AccountRepository
	dialer   transport.Dialer
	sealer   *security.Sealer

	mu       sync.Mutex
	sessions map[int64]transport.Client
}

func New(accounts AccountRepository, dialer transport.Dialer, sealer *security.Sealer) *Registry {
	return &Registry{
		accounts: accounts,
		dialer:   dialer,
		sealer:   sealer,
		sessions: make(map[int64]transport.Client),
	}
}

// Get returns the live session for the user, restoring it from the stored
// credential when missing or dead. Returns ErrSessionExpired when restoration
// is impossible.
func (r *Registry) Get(ctx context.Context, userID int64) (transport.Client, error) {
	r.mu.Lock()
	client, ok := r.sessions[userID]
	r.mu.Unlock()
	if ok {
		if _, err := client.Me(ctx); err == nil {
			return client, nil
		}
		// Dead handle: drop it and fall through to restore.
		r.Remove(userID)
	}
	return r.restore(ctx, userID)
}

func (r *Registry) restore(ctx context.Context, userID int64) (transport.Client, error) {
	account, err := r.accounts.GetByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("registry: load account %d: %w", userID, err)
	}
	if account == nil || !account.Verified || len(account.SessionSealed) == 0 {
		return nil, ErrSessionExpired
	}
	credential, err := r.sealer.Open(account.SessionSealed)
	if err != nil {
		return nil, ErrSessionExpired
	}
	client, err := r.dialer.Restore(ctx, credential)
	if err != nil {
		return nil, ErrSessionExpired
	}
	r.Put(userID, client)
	return client, nil
}

// Put registers a live session for the user, closing any previous one.
func (r *Registry) Put(userID int64, client transport.Client) {
	r.mu.Lock()
	previous := r.sessions[userID]
	r.sessions[userID] = client
	r.mu.Unlock()
	if previous != nil && previous != client {
		previous.Close()
	}
}

// Remove closes and forgets the user's session, if any.
func (r *Registry) Remove(userID int64) {
	r.mu.Lock()
	client := r.sessions[userID]
	delete(r.sessions, userID)
	r.mu.Unlock()
	if client != nil {
		client.Close()
	}
}

// RestoreAll reopens sessions for every verified account with a stored
// credential. Per-user failures are logged and skipped.
func (r *Registry) RestoreAll(ctx context.Context) error {
	accounts, err := r.accounts.ListVerifiedWithSession(ctx)
	if err != nil {
		return fmt.Errorf("registry: list accounts: %w", err)
	}
	for _, account := range accounts {
		if _, err := r.restore(ctx, account.UserID); err != nil {
			log.Printf("registry: restore session for user %d: %v", account.UserID, err)
		}
	}
	return nil
}

// Close tears down every live session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[int64]transport.Client)
	r.mu.Unlock()
	for _, client := range sessions {
		client.Close()
	}
}
