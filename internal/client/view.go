package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"
)

// typingIdle is the inactivity window after which an outgoing typing
// signal is automatically followed by stop-typing, so the counterpart is
// never left with a stuck indicator.
const typingIdle = 1 * time.Second

// View is the in-memory image of the user's conversations: the summary
// list, the currently open conversation's message history, and the
// transient presence and typing state.
//
// The view is fetched explicitly (initial mount, manual refresh, opening
// a conversation) and patched incrementally from pushed events while the
// connection is live. Reconnecting does not re-fetch; anything missed
// during an outage surfaces on the next fetch.
type View struct {
	self   string
	client *Client
	socket *Socket
	logger *slog.Logger

	// onUpdate is invoked after every state change, outside the lock.
	onUpdate func()

	mu        sync.Mutex
	summaries []Conversation
	openID    string
	messages  []Message
	online    map[string]bool
	typing    map[string]bool

	// typingTimers tracks our own outgoing typing signals per receiver.
	typingTimers map[string]*time.Timer
}

// NewView creates a view for the signed-in user. Attach the socket with
// AttachSocket once it exists; until then every operation uses
// request/response.
func NewView(selfID string, c *Client, onUpdate func(), logger *slog.Logger) *View {
	return &View{
		self:         selfID,
		client:       c,
		logger:       logger,
		onUpdate:     onUpdate,
		online:       make(map[string]bool),
		typing:       make(map[string]bool),
		typingTimers: make(map[string]*time.Timer),
	}
}

// AttachSocket wires the persistent connection. Its event handler should
// be the view's HandleEvent.
func (v *View) AttachSocket(s *Socket) {
	v.mu.Lock()
	v.socket = s
	v.mu.Unlock()
}

func (v *View) notify() {
	if v.onUpdate != nil {
		v.onUpdate()
	}
}

// Refresh fetches the conversation summary list.
func (v *View) Refresh(ctx context.Context) error {
	convs, err := v.client.Conversations(ctx)
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.summaries = convs
	v.mu.Unlock()

	v.notify()

	return nil
}

// Open fetches the full history with the counterpart and makes it the
// open conversation. The fetch marks the messages read server-side, so
// the local unread count is cleared too.
func (v *View) Open(ctx context.Context, counterpartID string) error {
	msgs, err := v.client.Messages(ctx, counterpartID)
	if err != nil {
		return err
	}

	v.mu.Lock()
	v.openID = counterpartID
	v.messages = msgs

	for i := range v.summaries {
		if v.summaries[i].User.ID == counterpartID {
			v.summaries[i].UnreadCount = 0
		}
	}
	v.mu.Unlock()

	v.notify()

	return nil
}

// CloseConversation leaves the open conversation.
func (v *View) CloseConversation() {
	v.mu.Lock()
	v.openID = ""
	v.messages = nil
	v.mu.Unlock()

	v.notify()
}

// SendMessage sends over the socket when it is live, falling back to
// request/response otherwise. On the socket path the returned message is
// nil: the created record arrives as a message-sent event. On the
// fallback path the record is returned and patched in directly.
func (v *View) SendMessage(ctx context.Context, receiverID, text string) (*Message, error) {
	v.mu.Lock()
	sock := v.socket
	v.mu.Unlock()

	if sock != nil && sock.Connected() {
		if err := sock.Emit("send-message", sendRequest{Receiver: receiverID, Message: text}); err == nil {
			return nil, nil
		}
		// Emit failed under a racing disconnect; fall through.
	}

	msg, err := v.client.Send(ctx, receiverID, text)
	if err != nil {
		return nil, err
	}

	v.patchOutgoing(*msg)

	return msg, nil
}

// Typing signals that the user is typing toward the receiver. Repeated
// calls extend the inactivity window; once it lapses with no further
// call, stop-typing is sent automatically.
func (v *View) Typing(receiverID string) {
	v.mu.Lock()
	sock := v.socket
	v.mu.Unlock()

	if sock == nil || !sock.Connected() {
		return
	}

	_ = sock.Emit("typing", peerPayload{Receiver: receiverID})

	v.mu.Lock()
	defer v.mu.Unlock()

	if timer, ok := v.typingTimers[receiverID]; ok {
		timer.Reset(typingIdle)
		return
	}

	v.typingTimers[receiverID] = time.AfterFunc(typingIdle, func() {
		v.StopTyping(receiverID)
	})
}

// StopTyping ends the typing signal toward the receiver immediately.
func (v *View) StopTyping(receiverID string) {
	v.mu.Lock()

	if timer, ok := v.typingTimers[receiverID]; ok {
		timer.Stop()
		delete(v.typingTimers, receiverID)
	}

	sock := v.socket
	v.mu.Unlock()

	if sock != nil && sock.Connected() {
		_ = sock.Emit("stop-typing", peerPayload{Receiver: receiverID})
	}
}

// MarkRead flags the counterpart's messages read, server-side and locally.
func (v *View) MarkRead(ctx context.Context, counterpartID string) error {
	v.mu.Lock()
	sock := v.socket
	v.mu.Unlock()

	if sock != nil && sock.Connected() {
		if err := sock.Emit("mark-read", peerPayload{Sender: counterpartID}); err == nil {
			v.clearUnread(counterpartID)
			return nil
		}
	}

	if err := v.client.MarkRead(ctx, counterpartID); err != nil {
		return err
	}

	v.clearUnread(counterpartID)

	return nil
}

// HandleEvent patches the view from one pushed server event. It is the
// socket's event handler and runs on the socket's event loop goroutine.
func (v *View) HandleEvent(op string, data json.RawMessage) {
	switch op {
	case "receive-message":
		v.handleReceive(data)
	case "message-sent":
		v.handleSent(data)
	case "message-delivered":
		v.handleDelivered(data)
	case "messages-read":
		v.handleRead(data)
	case "message-error":
		v.logger.Warn("message rejected", slog.String("detail", string(data)))
	case "user-typing":
		v.setTyping(data, true)
	case "user-stop-typing":
		v.setTyping(data, false)
	case "user-online":
		v.setOnline(data, true)
	case "user-offline":
		v.setOnline(data, false)
	case "online-users":
		v.handleSnapshot(data)
	default:
		v.logger.Debug("unhandled event", slog.String("op", op))
	}
}

func (v *View) handleReceive(data json.RawMessage) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		v.logger.Warn("decoding receive-message", slog.String("error", err.Error()))
		return
	}

	v.mu.Lock()
	opened := v.openID == m.Sender
	if opened {
		v.messages = append(v.messages, m)
	}

	v.bumpSummary(m.Sender, m, !opened)
	v.mu.Unlock()

	v.notify()
}

// handleSent patches in the echo of our own message sent over the socket.
func (v *View) handleSent(data json.RawMessage) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		v.logger.Warn("decoding message-sent", slog.String("error", err.Error()))
		return
	}

	v.patchOutgoing(m)
}

func (v *View) patchOutgoing(m Message) {
	v.mu.Lock()
	if v.openID == m.Receiver {
		v.messages = append(v.messages, m)
	}

	v.bumpSummary(m.Receiver, m, false)
	v.mu.Unlock()

	v.notify()
}

func (v *View) handleDelivered(data json.RawMessage) {
	var payload struct {
		MessageID string `json:"messageId"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}

	v.mu.Lock()
	for i := range v.messages {
		if v.messages[i].ID == payload.MessageID {
			v.messages[i].Delivered = true
			break
		}
	}
	v.mu.Unlock()

	v.notify()
}

// handleRead flips our sent messages to read when the counterpart's read
// receipt arrives.
func (v *View) handleRead(data json.RawMessage) {
	var receipt readReceipt
	if err := json.Unmarshal(data, &receipt); err != nil {
		return
	}

	v.mu.Lock()
	for i := range v.messages {
		if v.messages[i].Sender == v.self && v.messages[i].Receiver == receipt.Reader {
			v.messages[i].Read = true
			v.messages[i].Delivered = true
		}
	}

	for i := range v.summaries {
		if v.summaries[i].User.ID == receipt.Reader && v.summaries[i].LastMessage != nil &&
			v.summaries[i].LastMessage.Sender == v.self {
			v.summaries[i].LastMessage.Read = true
		}
	}
	v.mu.Unlock()

	v.notify()
}

func (v *View) setTyping(data json.RawMessage, on bool) {
	var payload typingPayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.From == "" {
		return
	}

	v.mu.Lock()
	if on {
		v.typing[payload.From] = true
	} else {
		delete(v.typing, payload.From)
	}
	v.mu.Unlock()

	v.notify()
}

func (v *View) setOnline(data json.RawMessage, on bool) {
	var payload presencePayload
	if err := json.Unmarshal(data, &payload); err != nil || payload.UserID == "" {
		return
	}

	v.mu.Lock()
	if on {
		v.online[payload.UserID] = true
	} else {
		delete(v.online, payload.UserID)
		delete(v.typing, payload.UserID)
	}
	v.mu.Unlock()

	v.notify()
}

func (v *View) handleSnapshot(data json.RawMessage) {
	var snapshot presenceSnapshot
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return
	}

	v.mu.Lock()
	v.online = make(map[string]bool, len(snapshot.UserIDs))
	for _, id := range snapshot.UserIDs {
		v.online[id] = true
	}
	v.mu.Unlock()

	v.notify()
}

// bumpSummary moves the counterpart's summary to the top with the new
// last message. An unknown counterpart gets a placeholder entry; the next
// Refresh fills in their identity.
func (v *View) bumpSummary(counterpartID string, m Message, incrementUnread bool) {
	idx := -1

	for i := range v.summaries {
		if v.summaries[i].User.ID == counterpartID {
			idx = i
			break
		}
	}

	if idx == -1 {
		v.summaries = append([]Conversation{{User: Identity{ID: counterpartID}}}, v.summaries...)
		idx = 0
	}

	msg := m
	v.summaries[idx].LastMessage = &msg

	if incrementUnread {
		v.summaries[idx].UnreadCount++
	}

	if idx != 0 {
		conv := v.summaries[idx]
		v.summaries = append(v.summaries[:idx], v.summaries[idx+1:]...)
		v.summaries = append([]Conversation{conv}, v.summaries...)
	}
}

func (v *View) clearUnread(counterpartID string) {
	v.mu.Lock()
	for i := range v.summaries {
		if v.summaries[i].User.ID == counterpartID {
			v.summaries[i].UnreadCount = 0
		}
	}
	v.mu.Unlock()

	v.notify()
}

// Conversations returns a copy of the summary list.
func (v *View) Conversations() []Conversation {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]Conversation, len(v.summaries))
	copy(out, v.summaries)

	return out
}

// Messages returns a copy of the open conversation's history.
func (v *View) Messages() []Message {
	v.mu.Lock()
	defer v.mu.Unlock()

	out := make([]Message, len(v.messages))
	copy(out, v.messages)

	return out
}

// Opened returns the counterpart ID of the open conversation, if any.
func (v *View) Opened() string {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.openID
}

// IsOnline reports whether the given user has a live connection, as far
// as received presence events say.
func (v *View) IsOnline(userID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.online[userID]
}

// IsTyping reports whether the given user is currently typing toward us.
func (v *View) IsTyping(userID string) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	return v.typing[userID]
}
