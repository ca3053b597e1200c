package client

import "encoding/json"

// Frame is the envelope for every event on the persistent connection.
type Frame struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Identity is the public shape of another account.
type Identity struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// Message is a decrypted chat message as returned by the server.
type Message struct {
	ID        string `json:"id"`
	Sender    string `json:"sender"`
	Receiver  string `json:"receiver"`
	Message   string `json:"message"`
	Delivered bool   `json:"delivered"`
	Read      bool   `json:"read"`
	CreatedAt int64  `json:"createdAt"` // unix milliseconds
}

// Conversation is one entry in the conversation summary list.
type Conversation struct {
	User        Identity `json:"user"`
	LastMessage *Message `json:"lastMessage,omitempty"`
	UnreadCount int      `json:"unreadCount"`
}

// Credentials is the result of a successful login exchange.
type Credentials struct {
	User         Identity `json:"user"`
	AccessToken  string   `json:"accessToken"`
	RefreshToken string   `json:"refreshToken"`
}

// apiError is the body of a server error response.
type apiError struct {
	Message string `json:"message"`
}

// authRequest is the first frame sent on the persistent connection.
type authRequest struct {
	Token string `json:"token"`
}

// sendRequest is the body of send-message, over either transport.
type sendRequest struct {
	Receiver string `json:"receiver"`
	Message  string `json:"message"`
}

// peerPayload addresses typing signals and read receipts.
type peerPayload struct {
	Receiver string `json:"receiver,omitempty"`
	Sender   string `json:"sender,omitempty"`
}

// typingPayload is the body of user-typing and user-stop-typing events.
type typingPayload struct {
	From string `json:"from"`
}

// readReceipt is the body of a messages-read event.
type readReceipt struct {
	Reader string `json:"reader"`
}

// presencePayload is the body of user-online and user-offline events.
type presencePayload struct {
	UserID string `json:"userId"`
}

// presenceSnapshot is the body of the online-users event.
type presenceSnapshot struct {
	UserIDs []string `json:"userIds"`
}
