package telegram

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"fmt"

	"github.com/gotd/td/telegram/peers"
	"github.com/gotd/td/tg"

	"forward-relay/internal/transport"
)

func (c *client) Me(ctx context.Context) (transport.User, error) {
	self, err := c.client.Self(ctx)
	if err != nil {
		return transport.User{}, fmt.Errorf("telegram: self: %w", err)
	}
	return transport.User{
		ID:        self.ID,
		Username:  self.Username,
		FirstName: self.FirstName,
	}, nil
}

// ProbeRead fetches the newest message of the chat to prove read access.
func (c *client) ProbeRead(ctx context.Context, chat string) error {
	peer, err := c.resolve(ctx, chat)
	if err != nil {
		return err
	}
	if _, err := c.api.MessagesGetHistory(ctx, &tg.MessagesGetHistoryRequest{
		Peer:  peer.InputPeer(),
		Limit: 1,
	}); err != nil {
		return fmt.Errorf("%w: %s: %v", transport.ErrChatUnavailable, chat, err)
	}
	return nil
}

func (c *client) SendText(ctx context.Context, chat, text string) (int64, error) {
	peer, err := c.resolve(ctx, chat)
	if err != nil {
		return 0, err
	}
	rid, err := randomID()
	if err != nil {
		return 0, err
	}
	updates, err := c.api.MessagesSendMessage(ctx, &tg.MessagesSendMessageRequest{
		Peer:     peer.InputPeer(),
		Message:  text,
		RandomID: rid,
	})
	if err != nil {
		return 0, fmt.Errorf("telegram: send to %s: %w", chat, err)
	}
	return sentMessageID(updates), nil
}

// SendMedia re-sends a media payload observed on another chat. Payloads that
// cannot be referenced server-side fall back to the caption as plain text.
func (c *client) SendMedia(ctx context.Context, chat, caption string, media transport.Media) (int64, error) {
	input := inputMedia(media)
	if input == nil {
		return c.SendText(ctx, chat, caption)
	}
	peer, err := c.resolve(ctx, chat)
	if err != nil {
		return 0, err
	}
	rid, err := randomID()
	if err != nil {
		return 0, err
	}
	updates, err := c.api.MessagesSendMedia(ctx, &tg.MessagesSendMediaRequest{
		Peer:     peer.InputPeer(),
		Media:    input,
		Message:  caption,
		RandomID: rid,
	})
	if err != nil {
		return 0, fmt.Errorf("telegram: send media to %s: %w", chat, err)
	}
	return sentMessageID(updates), nil
}

func (c *client) DeleteMessage(ctx context.Context, chat string, messageID int64) error {
	peer, err := c.resolve(ctx, chat)
	if err != nil {
		return err
	}
	if ch, ok := peer.(peers.Channel); ok {
		_, err = c.api.ChannelsDeleteMessages(ctx, &tg.ChannelsDeleteMessagesRequest{
			Channel: ch.InputChannel(),
			ID:      []int{int(messageID)},
		})
	} else {
		_, err = c.api.MessagesDeleteMessages(ctx, &tg.MessagesDeleteMessagesRequest{
			ID:     []int{int(messageID)},
			Revoke: true,
		})
	}
	if err != nil {
		return fmt.Errorf("telegram: delete %d in %s: %w", messageID, chat, err)
	}
	return nil
}

// Subscribe registers for new messages on the source chat. The returned
// channel closes when ctx is cancelled.
func (c *client) Subscribe(ctx context.Context, source string) (<-chan transport.Message, error) {
	peer, err := c.resolve(ctx, source)
	if err != nil {
		return nil, err
	}
	id := peer.ID()
	ch := make(chan transport.Message, subscriberBuffer)

	c.mu.Lock()
	c.subscribers[id] = append(c.subscribers[id], ch)
	c.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
		case <-c.done:
		}
		c.mu.Lock()
		subs := c.subscribers[id]
		for i, sub := range subs {
			if sub == ch {
				c.subscribers[id] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
		c.mu.Unlock()
	}()
	return ch, nil
}

func (c *client) Close() error {
	c.cancel()
	<-c.done
	if c.runErr != nil && c.runErr != context.Canceled {
		return c.runErr
	}
	return nil
}

func (c *client) resolve(ctx context.Context, chat string) (peers.Peer, error) {
	peer, err := c.peers.Resolve(ctx, chat)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", transport.ErrChatUnavailable, chat, err)
	}
	return peer, nil
}

// fanOut delivers an update to every subscriber of its chat. Slow consumers
// lose updates; the relay checkpoint only keeps a resubscribe from re-sending
// what was already relayed, it does not backfill what was dropped.
func (c *client) fanOut(m tg.MessageClass) {
	msg, ok := m.(*tg.Message)
	if !ok {
		return
	}
	id := peerID(msg.PeerID)
	if id == 0 {
		return
	}
	event := transport.Message{
		ID:    int64(msg.ID),
		Text:  msg.Message,
		Media: mediaPayload(msg),
	}
	c.mu.Lock()
	for _, sub := range c.subscribers[id] {
		select {
		case sub <- event:
		default:
		}
	}
	c.mu.Unlock()
}

func peerID(p tg.PeerClass) int64 {
	switch v := p.(type) {
	case *tg.PeerChannel:
		return v.ChannelID
	case *tg.PeerChat:
		return v.ChatID
	case *tg.PeerUser:
		return v.UserID
	}
	return 0
}

func mediaPayload(msg *tg.Message) transport.Media {
	media, ok := msg.GetMedia()
	if !ok {
		return nil
	}
	return media
}

// inputMedia converts an observed media payload into a server-side reference
// suitable for re-sending. Returns nil for payload kinds without one.
func inputMedia(media transport.Media) tg.InputMediaClass {
	switch m := media.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := m.GetPhoto()
		if !ok {
			return nil
		}
		p, ok := photo.(*tg.Photo)
		if !ok {
			return nil
		}
		return &tg.InputMediaPhoto{ID: &tg.InputPhoto{
			ID:            p.ID,
			AccessHash:    p.AccessHash,
			FileReference: p.FileReference,
		}}
	case *tg.MessageMediaDocument:
		doc, ok := m.GetDocument()
		if !ok {
			return nil
		}
		d, ok := doc.(*tg.Document)
		if !ok {
			return nil
		}
		return &tg.InputMediaDocument{ID: &tg.InputDocument{
			ID:            d.ID,
			AccessHash:    d.AccessHash,
			FileReference: d.FileReference,
		}}
	}
	return nil
}

func sentMessageID(updates tg.UpdatesClass) int64 {
	switch u := updates.(type) {
	case *tg.UpdateShortSentMessage:
		return int64(u.ID)
	case *tg.Updates:
		for _, upd := range u.Updates {
			switch m := upd.(type) {
			case *tg.UpdateMessageID:
				return int64(m.ID)
			case *tg.UpdateNewChannelMessage:
				if msg, ok := m.Message.(*tg.Message); ok {
					return int64(msg.ID)
				}
			case *tg.UpdateNewMessage:
				if msg, ok := m.Message.(*tg.Message); ok {
					return int64(msg.ID)
				}
			}
		}
	}
	return 0
}

func randomID() (int64, error) {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b[:])), nil
}

var _ transport.Client = (*client)(nil)
