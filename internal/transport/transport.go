// Package transport abstracts the messaging network a relay session talks to.
package transport

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned when a credential no longer grants access and
// the account must be re-verified.
var ErrUnauthorized = errors.New("transport: session unauthorized")

// ErrChatUnavailable is returned when a chat cannot be resolved or accessed
// by the authenticated session.
var ErrChatUnavailable = errors.New("transport: chat unavailable")

// Message is a single message observed on a source chat.
type Message struct {
	// ID is the message identifier, strictly increasing within a chat.
	ID int64
	// Text is the message text or media caption.
	Text string
	// Media is the transport-specific media payload, nil for text-only
	// messages. It is opaque to callers and is passed back to SendMedia.
	Media Media
}

// Media is an opaque transport-specific media payload.
type Media interface{}

// User identifies the account behind a session.
type User struct {
	ID        int64
	Username  string
	FirstName string
}

// Client is an authenticated session on the messaging network.
//
// Subscribe returns a channel of new messages on the given source chat. The
// channel is closed when the subscription fails or ctx is cancelled; callers
// distinguish the two via ctx.Err() and resubscribe on failure.
type Client interface {
	// Me returns the account the session is authenticated as.
	Me(ctx context.Context) (User, error)
	// ProbeRead verifies the session can read the given chat.
	ProbeRead(ctx context.Context, chat string) error
	// SendText posts text to a chat and returns the new message ID.
	SendText(ctx context.Context, chat, text string) (int64, error)
	// SendMedia posts a media payload with a caption and returns the new
	// message ID. Implementations fall back to SendText when the payload
	// cannot be re-sent.
	SendMedia(ctx context.Context, chat, caption string, media Media) (int64, error)
	// DeleteMessage removes a message this session sent to the chat.
	DeleteMessage(ctx context.Context, chat string, messageID int64) error
	// Subscribe streams new messages from the source chat.
	Subscribe(ctx context.Context, source string) (<-chan Message, error)
	// Close tears down the session's network connection.
	Close() error
}

// Dialer establishes sessions on the messaging network.
type Dialer interface {
	// Provision performs interactive login for the phone number with the
	// one-time code the network delivered, returning a live client and an
	// opaque credential that Restore accepts later. The credential must be
	// sealed before storage.
	Provision(ctx context.Context, phone, code string) (Client, []byte, error)
	// Restore reopens a session from a previously issued credential.
	// Returns ErrUnauthorized when the credential has been revoked.
	Restore(ctx context.Context, credential []byte) (Client, error)
}
