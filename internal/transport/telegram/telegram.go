// Package telegram implements the transport interfaces on MTProto via gotd.
package telegram

import (
	"context"
	"fmt"
	"sync"

	"github.com/gotd/td/session"
	"github.com/gotd/td/telegram"
	"github.com/gotd/td/telegram/auth"
	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"

	"forward-relay/internal/transport"
)

// Dialer establishes MTProto sessions for a registered application.
type Dialer struct {
	APIID   int
	APIHash string
}

// NewDialer returns a Dialer for the given application credentials.
func NewDialer(apiID int, apiHash string) *Dialer {
	return &Dialer{APIID: apiID, APIHash: apiHash}
}

// Provision logs the phone number in with the one-time code and returns the
// live client together with the serialized session credential.
func (d *Dialer) Provision(ctx context.Context, phone, code string) (transport.Client, []byte, error) {
	c, err := d.dial(ctx, nil)
	if err != nil {
		return nil, nil, err
	}
	sent, err := c.client.Auth().SendCode(ctx, phone, auth.SendCodeOptions{})
	if err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("telegram: send code: %w", err)
	}
	sentCode, ok := sent.(*tg.AuthSentCode)
	if !ok {
		c.Close()
		return nil, nil, fmt.Errorf("telegram: unexpected sent code type %T", sent)
	}
	if _, err := c.client.Auth().SignIn(ctx, phone, code, sentCode.PhoneCodeHash); err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("telegram: sign in: %w", err)
	}
	credential, err := c.storage.LoadSession(ctx)
	if err != nil {
		c.Close()
		return nil, nil, fmt.Errorf("telegram: export session: %w", err)
	}
	return c, credential, nil
}

// Restore reopens a session from a credential previously returned by
// Provision. Returns transport.ErrUnauthorized when the credential has been
// revoked server-side.
func (d *Dialer) Restore(ctx context.Context, credential []byte) (transport.Client, error) {
	c, err := d.dial(ctx, credential)
	if err != nil {
		return nil, err
	}
	status, err := c.client.Auth().Status(ctx)
	if err != nil {
		c.Close()
		if auth.IsUnauthorized(err) {
			return nil, transport.ErrUnauthorized
		}
		return nil, fmt.Errorf("telegram: auth status: %w", err)
	}
	if !status.Authorized {
		c.Close()
		return nil, transport.ErrUnauthorized
	}
	return c, nil
}

// dial builds a client, seeds its session storage when a credential is given,
// and runs the connection loop in the background until Close.
func (d *Dialer) dial(ctx context.Context, credential []byte) (*client, error) {
	storage := &session.StorageMemory{}
	if credential != nil {
		if err := storage.StoreSession(ctx, credential); err != nil {
			return nil, fmt.Errorf("telegram: seed session: %w", err)
		}
	}
	dispatcher := tg.NewUpdateDispatcher()
	tc := telegram.NewClient(d.APIID, d.APIHash, telegram.Options{
		SessionStorage: storage,
		UpdateHandler:  dispatcher,
	})

	runCtx, cancel := context.WithCancel(context.Background())
	c := &client{
		client:      tc,
		storage:     storage,
		cancel:      cancel,
		done:        make(chan struct{}),
		subscribers: make(map[int64][]chan transport.Message),
	}
	dispatcher.OnNewChannelMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewChannelMessage) error {
		c.fanOut(u.Message)
		return nil
	})
	dispatcher.OnNewMessage(func(ctx context.Context, e tg.Entities, u *tg.UpdateNewMessage) error {
		c.fanOut(u.Message)
		return nil
	})

	ready := make(chan struct{})
	go func() {
		defer close(c.done)
		c.runErr = tc.Run(runCtx, func(ctx context.Context) error {
			c.api = tc.API()
			c.peers = peers.Options{}.Build(c.api)
			close(ready)
			<-ctx.Done()
			return ctx.Err()
		})
	}()

	select {
	case <-ready:
		return c, nil
	case <-c.done:
		cancel()
		if c.runErr != nil {
			return nil, fmt.Errorf("telegram: connect: %w", c.runErr)
		}
		return nil, fmt.Errorf("telegram: connection closed during startup")
	case <-ctx.Done():
		cancel()
		<-c.done
		return nil, ctx.Err()
	}
}

var _ transport.Dialer = (*Dialer)(nil)

// subscriberBuffer bounds the per-subscription channel; updates beyond it are
// dropped.
const subscriberBuffer = 64

type client struct {
	client  *telegram.Client
	storage *session.StorageMemory
	api     *tg.Client
	peers   *peers.Manager

	cancel context.CancelFunc
	done   chan struct{}
	runErr error

	mu          sync.Mutex
	subscribers map[int64][]chan transport.Message
}
