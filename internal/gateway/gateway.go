// Package gateway terminates persistent client connections. Each
// websocket is authenticated by its first frame, bound to one identity
// for its lifetime, registered in the presence registry, and then driven
// by a dispatch table of named client events. Typing signals are relayed
// here and never persisted.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/taskline/taskline/internal/auth"
	"github.com/taskline/taskline/internal/pipeline"
	"github.com/taskline/taskline/internal/presence"
)

const (
	// authTimeout bounds how long a connection may sit unauthenticated.
	authTimeout = 10 * time.Second

	// writeTimeout bounds a single push so one stalled connection cannot
	// block a broadcast.
	writeTimeout = 5 * time.Second

	// readLimit caps inbound frames. Messages are short text bodies.
	readLimit = 1 << 20
)

// Frame is the wire envelope for every event in both directions.
type Frame struct {
	Op   string          `json:"op"`
	Data json.RawMessage `json:"data,omitempty"`
}

// authRequest is the first frame a client must send.
type authRequest struct {
	Token string `json:"token"`
}

// errorPayload is the body of auth-error and message-error events.
type errorPayload struct {
	Message string `json:"message"`
}

// peerPayload addresses a typing signal or read receipt.
type peerPayload struct {
	Receiver string `json:"receiver,omitempty"`
	Sender   string `json:"sender,omitempty"`
}

// sendRequest is the body of a client send-message event.
type sendRequest struct {
	Receiver string `json:"receiver"`
	Message  string `json:"message"`
}

// typingPayload is the body of user-typing and user-stop-typing pushes.
type typingPayload struct {
	From string `json:"from"`
}

// Gateway upgrades and authenticates websocket connections.
type Gateway struct {
	issuer   *auth.Issuer
	registry *presence.Registry
	pipeline *pipeline.Pipeline
	logger   *slog.Logger

	// originPatterns for the websocket upgrade. Empty means same-host only.
	originPatterns []string
}

// New creates a gateway. allowedOrigin may be empty to restrict upgrades
// to same-host requests.
func New(issuer *auth.Issuer, reg *presence.Registry, pl *pipeline.Pipeline, allowedOrigin string, logger *slog.Logger) *Gateway {
	g := &Gateway{
		issuer:   issuer,
		registry: reg,
		pipeline: pl,
		logger:   logger,
	}

	if allowedOrigin != "" {
		g.originPatterns = []string{allowedOrigin}
	}

	return g
}

// conn is one authenticated connection. It implements presence.Conn.
// Writes are serialized with a mutex because pushes arrive from the
// registry, the pipeline, and this connection's own read loop.
type conn struct {
	ws     *websocket.Conn
	userID string

	writeMu sync.Mutex
}

// Push delivers a named event to this connection. A failed or timed-out
// write returns the error to the caller, which drops it; the dead
// connection is cleaned up by its own read loop.
func (c *conn) Push(op string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling %s payload: %w", op, err)
	}

	frame, err := json.Marshal(Frame{Op: op, Data: data})
	if err != nil {
		return fmt.Errorf("marshalling %s frame: %w", op, err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.ws.Write(ctx, websocket.MessageText, frame)
}

// ServeHTTP accepts a websocket, runs the auth handshake, and then the
// event loop until the connection drops.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: g.originPatterns,
	})
	if err != nil {
		g.logger.Debug("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	ws.SetReadLimit(readLimit)

	userID, err := g.authenticate(r.Context(), ws)
	if err != nil {
		g.logger.Info("connection refused", slog.String("error", err.Error()))

		c := &conn{ws: ws}
		_ = c.Push("auth-error", errorPayload{Message: "authentication failed"})
		ws.Close(websocket.StatusPolicyViolation, "authentication failed")

		return
	}

	c := &conn{ws: ws, userID: userID}
	if err := c.Push("auth-ok", struct {
		UserID string `json:"userId"`
	}{UserID: userID}); err != nil {
		ws.Close(websocket.StatusInternalError, "handshake write failed")
		return
	}

	// Registration sends the online snapshot and broadcasts user-online.
	g.registry.Register(userID, c)
	defer g.registry.Remove(userID, c)

	g.readLoop(r.Context(), c)
	ws.Close(websocket.StatusNormalClosure, "bye")
}

// authenticate reads the first frame and verifies its bearer token. The
// identity it returns is immutable for the connection's lifetime. There
// is no retry: a client with an expired token must reconnect with a
// fresh one.
func (g *Gateway) authenticate(ctx context.Context, ws *websocket.Conn) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, authTimeout)
	defer cancel()

	_, data, err := ws.Read(ctx)
	if err != nil {
		return "", fmt.Errorf("reading auth frame: %w", err)
	}

	if gjson.GetBytes(data, "op").Str != "auth" {
		return "", fmt.Errorf("expected auth frame, got %q", gjson.GetBytes(data, "op").Str)
	}

	var req authRequest
	if err := json.Unmarshal([]byte(gjson.GetBytes(data, "data").Raw), &req); err != nil {
		return "", fmt.Errorf("decoding auth frame: %w", err)
	}

	userID, err := g.issuer.VerifyAccess(req.Token)
	if err != nil {
		return "", fmt.Errorf("verifying token: %w", err)
	}

	return userID, nil
}

// handler processes one named client event.
type handler func(c *conn, data json.RawMessage)

// readLoop dispatches inbound frames until the connection drops. Unknown
// ops are logged and skipped; a malformed frame is not fatal to the
// connection.
func (g *Gateway) readLoop(ctx context.Context, c *conn) {
	handlers := map[string]handler{
		"send-message": g.handleSend,
		"typing":       g.handleTyping,
		"stop-typing":  g.handleStopTyping,
		"mark-read":    g.handleMarkRead,
		"ping":         g.handlePing,
	}

	for {
		_, data, err := c.ws.Read(ctx)
		if err != nil {
			g.logger.Debug("connection closed",
				slog.String("user_id", c.userID),
				slog.String("error", err.Error()),
			)

			return
		}

		op := gjson.GetBytes(data, "op").Str

		h, ok := handlers[op]
		if !ok {
			g.logger.Debug("unknown event", slog.String("op", op), slog.String("user_id", c.userID))
			continue
		}

		h(c, json.RawMessage(gjson.GetBytes(data, "data").Raw))
	}
}

// handleSend runs the full pipeline for a message sent over the socket.
// The ack (or error) goes only to the sending connection.
func (g *Gateway) handleSend(c *conn, data json.RawMessage) {
	var req sendRequest
	if err := json.Unmarshal(data, &req); err != nil {
		_ = c.Push("message-error", errorPayload{Message: "malformed send-message payload"})
		return
	}

	ack, err := g.pipeline.Send(c.userID, req.Receiver, req.Message)
	if err != nil {
		g.logger.Warn("send failed",
			slog.String("sender", c.userID),
			slog.String("error", err.Error()),
		)
		_ = c.Push("message-error", errorPayload{Message: err.Error()})

		return
	}

	_ = c.Push("message-sent", ack)
}

// handleTyping relays a typing signal if the target is present. Dropped
// otherwise, with no retry and no persistence.
func (g *Gateway) handleTyping(c *conn, data json.RawMessage) {
	g.relaySignal(c, data, "user-typing")
}

func (g *Gateway) handleStopTyping(c *conn, data json.RawMessage) {
	g.relaySignal(c, data, "user-stop-typing")
}

func (g *Gateway) relaySignal(c *conn, data json.RawMessage, op string) {
	var req peerPayload
	if err := json.Unmarshal(data, &req); err != nil || req.Receiver == "" {
		return
	}

	target, ok := g.registry.Lookup(req.Receiver)
	if !ok {
		return
	}

	_ = target.Push(op, typingPayload{From: c.userID})
}

// handleMarkRead flips read state for everything the counterpart sent us.
func (g *Gateway) handleMarkRead(c *conn, data json.RawMessage) {
	var req peerPayload
	if err := json.Unmarshal(data, &req); err != nil || req.Sender == "" {
		return
	}

	if err := g.pipeline.MarkRead(c.userID, req.Sender); err != nil {
		g.logger.Warn("mark read failed",
			slog.String("reader", c.userID),
			slog.String("error", err.Error()),
		)
	}
}

func (g *Gateway) handlePing(c *conn, _ json.RawMessage) {
	_ = c.Push("pong", struct{}{})
}
