// Package pipeline implements the message lifecycle: encrypt, persist,
// opportunistic push delivery, and read-state transitions. Persistence
// always completes before a delivery attempt is made, so a crash between
// the two never loses a message, only delays it.
package pipeline

import (
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/taskline/taskline/internal/cipher"
	apperrors "github.com/taskline/taskline/internal/errors"
	"github.com/taskline/taskline/internal/presence"
	"github.com/taskline/taskline/internal/store"
)

// PlainMessage is a message record with the body decrypted, as returned
// to callers and pushed over connections. Ciphertext never crosses the
// API surface.
type PlainMessage struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Message   string `json:"message"`
	Delivered bool   `json:"delivered"`
	Read      bool   `json:"read"`
	CreatedAt int64  `json:"createdAt"`
}

// Identity is the subset of a user record exposed in conversation
// summaries, for rendering only.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Conversation is a derived summary of the exchange with one counterpart.
// Never stored; recomputed on demand from the raw message records.
type Conversation struct {
	User        Identity      `json:"user"`
	LastMessage *PlainMessage `json:"lastMessage,omitempty"`
	UnreadCount int           `json:"unreadCount"`
}

// readReceipt is the body of the messages-read event.
type readReceipt struct {
	Reader string `json:"reader"`
}

// deliveredPayload is the body of the message-delivered event.
type deliveredPayload struct {
	MessageID string `json:"messageId"`
	Receiver  string `json:"receiver"`
}

// Pipeline owns all message mutations. The store, cipher, and presence
// registry are injected.
type Pipeline struct {
	store    *store.Store
	cipher   cipher.Cipher
	presence *presence.Registry
	logger   *slog.Logger
}

// New creates a message pipeline.
func New(st *store.Store, c cipher.Cipher, reg *presence.Registry, logger *slog.Logger) *Pipeline {
	return &Pipeline{store: st, cipher: c, presence: reg, logger: logger}
}

// Send encrypts and persists a message, then attempts opportunistic push
// delivery to the receiver. The returned record is the sender's
// acknowledgment: "sent" regardless of whether the receiver was
// reachable. Delivery is attempted exactly once, at send time; a
// receiver that connects later sees the message via fetch with
// delivered still false.
func (p *Pipeline) Send(senderID, receiverID, plaintext string) (*PlainMessage, error) {
	if receiverID == "" || strings.TrimSpace(plaintext) == "" {
		return nil, apperrors.ErrValidation
	}

	ciphertext, err := p.cipher.Encrypt(plaintext)
	if err != nil {
		return nil, fmt.Errorf("encrypting message: %w", err)
	}

	m := store.Message{
		ID:         uuid.NewString(),
		SenderID:   senderID,
		ReceiverID: receiverID,
		Ciphertext: ciphertext,
		CreatedAt:  time.Now().UnixMilli(),
	}

	// Durability precedes push. A persistence failure means the message
	// was never sent; it is reported to the sender only.
	if err := p.store.SaveMessage(m); err != nil {
		p.logger.Error("persisting message",
			slog.String("sender", senderID),
			slog.String("error", err.Error()),
		)

		return nil, fmt.Errorf("%w: %w", apperrors.ErrPersistence, err)
	}

	plain := &PlainMessage{
		ID:        m.ID,
		Sender:    m.SenderID,
		Receiver:  m.ReceiverID,
		Message:   plaintext,
		CreatedAt: m.CreatedAt,
	}

	p.deliver(plain)

	return plain, nil
}

// deliver makes the single opportunistic push attempt. A push failure or
// an absent receiver degrades silently to the undelivered state; the
// record stays recoverable via fetch.
func (p *Pipeline) deliver(plain *PlainMessage) {
	conn, ok := p.presence.Lookup(plain.Receiver)
	if !ok {
		p.logger.Debug("receiver offline, delivery skipped",
			slog.String("message_id", plain.ID),
			slog.String("receiver", plain.Receiver),
		)

		return
	}

	if err := conn.Push("receive-message", plain); err != nil {
		p.logger.Warn("push delivery failed",
			slog.String("message_id", plain.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	if err := p.store.MarkDelivered(plain.ID); err != nil {
		p.logger.Warn("marking delivered",
			slog.String("message_id", plain.ID),
			slog.String("error", err.Error()),
		)

		return
	}

	plain.Delivered = true

	if sender, ok := p.presence.Lookup(plain.Sender); ok {
		_ = sender.Push("message-delivered", deliveredPayload{
			MessageID: plain.ID,
			Receiver:  plain.Receiver,
		})
	}
}

// MarkRead flips every unread message from counterpart to reader and, if
// anything actually changed, pushes a read receipt to the counterpart.
// Re-invoking when everything is already read is a no-op: no error, no
// duplicate receipt.
func (p *Pipeline) MarkRead(readerID, counterpartID string) error {
	changed, err := p.store.MarkRead(readerID, counterpartID)
	if err != nil {
		return fmt.Errorf("marking read: %w", err)
	}

	if changed == 0 {
		return nil
	}

	p.logger.Debug("messages read",
		slog.String("reader", readerID),
		slog.String("counterpart", counterpartID),
		slog.Int("count", changed),
	)

	if conn, ok := p.presence.Lookup(counterpartID); ok {
		_ = conn.Push("messages-read", readReceipt{Reader: readerID})
	}

	return nil
}

// History returns the full decrypted conversation between two identities,
// ascending by creation time.
func (p *Pipeline) History(userID, counterpartID string) ([]PlainMessage, error) {
	msgs, err := p.store.MessagesBetween(userID, counterpartID)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}

	out := make([]PlainMessage, 0, len(msgs))

	for _, m := range msgs {
		plain, err := p.decrypt(m)
		if err != nil {
			return nil, err
		}

		out = append(out, *plain)
	}

	return out, nil
}

// Conversations builds the summary list for a user: every other known
// identity with the decrypted last message and unread count, most
// recently active first.
func (p *Pipeline) Conversations(userID string) ([]Conversation, error) {
	users, err := p.store.Users()
	if err != nil {
		return nil, fmt.Errorf("loading users: %w", err)
	}

	out := make([]Conversation, 0, len(users))

	for _, u := range users {
		if u.ID == userID {
			continue
		}

		conv := Conversation{
			User: Identity{ID: u.ID, Name: u.Name, Email: u.Email},
		}

		last, err := p.store.LastMessage(userID, u.ID)
		if err != nil {
			return nil, fmt.Errorf("loading last message: %w", err)
		}

		if last != nil {
			plain, err := p.decrypt(*last)
			if err != nil {
				return nil, err
			}

			conv.LastMessage = plain
		}

		unread, err := p.store.UnreadCount(userID, u.ID)
		if err != nil {
			return nil, fmt.Errorf("counting unread: %w", err)
		}

		conv.UnreadCount = unread

		out = append(out, conv)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return lastActivity(out[i]) > lastActivity(out[j])
	})

	return out, nil
}

func lastActivity(c Conversation) int64 {
	if c.LastMessage == nil {
		return 0
	}

	return c.LastMessage.CreatedAt
}

func (p *Pipeline) decrypt(m store.Message) (*PlainMessage, error) {
	plaintext, err := p.cipher.Decrypt(m.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decrypting message %s: %w", m.ID, err)
	}

	return &PlainMessage{
		ID:        m.ID,
		Sender:    m.SenderID,
		Receiver:  m.ReceiverID,
		Message:   plaintext,
		Delivered: m.Delivered,
		Read:      m.Read,
		CreatedAt: m.CreatedAt,
	}, nil
}
