package client

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"
)

const (
	pingAfter        = 10 * time.Second
	disconnectAfter  = 120 * time.Second
	heartbeatCheckAt = 20 * time.Second

	reconnectMin = 1 * time.Second
	reconnectMax = 60 * time.Second

	// jitterDivisor controls the range of random jitter added to
	// reconnect backoff: jitter is uniform in [0, backoff/jitterDivisor).
	jitterDivisor = 2

	// reconnectBackoffMultiplier is the exponential growth factor
	// applied to the reconnect backoff after each consecutive failure.
	reconnectBackoffMultiplier = 2

	// inboundChanSize buffers messages from the reader goroutine to the
	// event loop.
	inboundChanSize = 64

	// outboundChanSize buffers frames submitted via Emit. The event loop
	// writes them one at a time.
	outboundChanSize = 64

	// wsReadLimit bounds a single inbound frame.
	wsReadLimit = 1 << 20

	// handshakeTimeout bounds the dial plus auth exchange.
	handshakeTimeout = 10 * time.Second
)

// inboundMsg wraps a message read from the websocket by the reader goroutine.
type inboundMsg struct {
	data []byte
	err  error
}

// wsConn abstracts the websocket connection so Socket can be tested
// without a real server. *websocket.Conn satisfies this interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
	SetReadLimit(n int64)
}

// dialFunc opens a raw websocket connection. Replaceable in tests.
type dialFunc func(ctx context.Context, url string) (wsConn, error)

func dialWebsocket(ctx context.Context, url string) (wsConn, error) {
	conn, _, err := websocket.Dial(ctx, url, nil) //nolint:bodyclose // websocket.Dial closes the response body internally
	if err != nil {
		return nil, err
	}

	return conn, nil
}

// EventHandler receives every named server event after authentication.
type EventHandler func(op string, data json.RawMessage)

// Socket maintains the persistent connection to the gateway.
//
// Architecture: a reader goroutine feeds inboundCh with raw websocket
// messages. A single event loop goroutine (Listen) processes inbound
// events, outbound frames from Emit, and heartbeat ticks. All writes to
// the connection happen from the event loop.
//
// A dropped connection triggers capped exponential backoff with jitter
// and unbounded attempts. Each attempt re-authenticates with the
// session's current access token. Reconnecting never re-fetches state;
// events missed during the outage surface only on the next fetch.
type Socket struct {
	url     string
	session *Session
	handler EventHandler
	logger  *slog.Logger
	dial    dialFunc

	conn      wsConn
	inboundCh chan inboundMsg
	outCh     chan Frame

	// connCancel stops the reader goroutine of the previous connection
	// before a reconnect.
	connCancel context.CancelFunc

	// connected signals whether the socket is live. The view checks this
	// to decide between push and the request/response fallback.
	connected   bool
	connectedMu sync.RWMutex

	lastMessage time.Time
	lastMsgMu   sync.Mutex
}

// NewSocket creates a socket client for the given websocket URL. The
// handler is invoked from the event loop goroutine for every server event.
func NewSocket(url string, session *Session, handler EventHandler, logger *slog.Logger) *Socket {
	return &Socket{
		url:     url,
		session: session,
		handler: handler,
		logger:  logger,
		dial:    dialWebsocket,
		outCh:   make(chan Frame, outboundChanSize),
	}
}

// Connected reports whether the persistent connection is live.
func (s *Socket) Connected() bool {
	s.connectedMu.RLock()
	defer s.connectedMu.RUnlock()

	return s.connected
}

func (s *Socket) setConnected(v bool) {
	s.connectedMu.Lock()
	s.connected = v
	s.connectedMu.Unlock()
}

// Emit queues a frame for the event loop to write. Fails immediately when
// the connection is down; callers fall back to request/response.
func (s *Socket) Emit(op string, payload any) error {
	if !s.Connected() {
		return fmt.Errorf("not connected")
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshalling %s payload: %w", op, err)
	}

	select {
	case s.outCh <- Frame{Op: op, Data: data}:
		return nil
	default:
		return fmt.Errorf("outbound queue full")
	}
}

// Connect dials the gateway and completes the auth handshake with the
// session's current access token.
func (s *Socket) Connect(ctx context.Context) error {
	if s.connCancel != nil {
		s.connCancel()
	}

	hsCtx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	conn, err := s.dial(hsCtx, s.url)
	if err != nil {
		return fmt.Errorf("dialing websocket: %w", err)
	}

	return s.handshake(hsCtx, conn)
}

// handshake sends the auth frame and waits for the server's verdict.
// Extracted from Connect so the auth logic can be tested with a mock
// wsConn without a real network connection.
func (s *Socket) handshake(ctx context.Context, conn wsConn) error {
	s.conn = conn
	s.conn.SetReadLimit(wsReadLimit)
	s.touchLastMessage()

	data, err := json.Marshal(authRequest{Token: s.session.AccessToken()})
	if err != nil {
		return fmt.Errorf("marshalling auth frame: %w", err)
	}

	if err := s.writeFrame(ctx, Frame{Op: "auth", Data: data}); err != nil {
		s.conn.Close(websocket.StatusInternalError, "auth write failed")
		return fmt.Errorf("sending auth frame: %w", err)
	}

	_, resp, err := s.conn.Read(ctx)
	if err != nil {
		s.conn.Close(websocket.StatusInternalError, "auth read failed")
		return fmt.Errorf("reading auth response: %w", err)
	}

	op := gjson.GetBytes(resp, "op").Str
	if op != "auth-ok" {
		msg := gjson.GetBytes(resp, "data.message").Str
		if msg == "" {
			msg = op
		}

		s.conn.Close(websocket.StatusNormalClosure, "auth failed")

		return fmt.Errorf("auth failed: %s", msg)
	}

	s.logger.Info("websocket authenticated",
		slog.String("user_id", gjson.GetBytes(resp, "data.userId").Str),
	)

	return nil
}

// startReader launches a goroutine that reads from the websocket and
// feeds inboundCh. Exits when connCtx is cancelled or a read error
// occurs. The goroutine captures ch and conn by value so a stale reader
// from a previous connection cannot feed the new channel.
func (s *Socket) startReader(connCtx context.Context) {
	ch := make(chan inboundMsg, inboundChanSize)
	s.inboundCh = ch
	conn := s.conn

	go func() {
		for {
			_, data, err := conn.Read(connCtx)
			select {
			case ch <- inboundMsg{data: data, err: err}:
			case <-connCtx.Done():
				return
			}

			if err != nil {
				return
			}
		}
	}()
}

// Listen is the event loop with automatic reconnection. Connect must have
// succeeded first. Returns only on context cancellation; a dropped
// connection or a refused handshake is retried forever with capped
// backoff, picking up whatever access token the session holds by then.
func (s *Socket) Listen(ctx context.Context) error {
	backoff := reconnectMin

	connCtx, connCancel := context.WithCancel(ctx)
	s.connCancel = connCancel
	s.startReader(connCtx)
	s.setConnected(true)

	for {
		err := s.eventLoop(ctx, connCtx)

		s.setConnected(false)
		connCancel()

		if ctx.Err() != nil {
			return ctx.Err()
		}

		s.logger.Warn("connection lost, reconnecting",
			slog.String("error", err.Error()),
			slog.Duration("backoff", backoff),
		)

		jitter := time.Duration(rand.Int64N(int64(backoff) / jitterDivisor)) //nolint:gosec // G404: math/rand is fine for reconnect jitter

		timer := time.NewTimer(backoff + jitter)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		if err := s.Connect(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}

			s.logger.Warn("reconnect failed",
				slog.String("error", err.Error()),
				slog.Duration("backoff", backoff),
			)
			backoff = min(backoff*reconnectBackoffMultiplier, reconnectMax)

			continue
		}

		connCtx, connCancel = context.WithCancel(ctx)
		s.connCancel = connCancel
		s.startReader(connCtx)
		s.setConnected(true)

		backoff = reconnectMin

		s.logger.Info("reconnected")
	}
}

// eventLoop processes one connection until it drops. All writes happen
// here, so no write mutex is needed.
func (s *Socket) eventLoop(ctx context.Context, connCtx context.Context) error {
	ticker := time.NewTicker(heartbeatCheckAt)
	defer ticker.Stop()

	for {
		select {
		case msg := <-s.inboundCh:
			if msg.err != nil {
				return fmt.Errorf("reading message: %w", msg.err)
			}

			s.touchLastMessage()
			s.handleInbound(msg.data)

		case frame := <-s.outCh:
			if err := s.writeFrame(ctx, frame); err != nil {
				return fmt.Errorf("writing %s frame: %w", frame.Op, err)
			}

		case <-ticker.C:
			s.lastMsgMu.Lock()
			elapsed := time.Since(s.lastMessage)
			s.lastMsgMu.Unlock()

			if elapsed > disconnectAfter {
				s.logger.Warn("connection timed out, closing")
				s.conn.Close(websocket.StatusGoingAway, "timeout")

				return fmt.Errorf("heartbeat timeout")
			}

			if elapsed > pingAfter {
				if err := s.writeFrame(ctx, Frame{Op: "ping"}); err != nil {
					return fmt.Errorf("sending ping: %w", err)
				}
			}

		case <-ctx.Done():
			return ctx.Err()

		case <-connCtx.Done():
			return connCtx.Err()
		}
	}
}

// handleInbound routes one server event. Pongs are absorbed here; every
// other event goes to the handler.
func (s *Socket) handleInbound(data []byte) {
	op := gjson.GetBytes(data, "op").Str

	switch op {
	case "":
		s.logger.Debug("unparseable frame", slog.Int("bytes", len(data)))
	case "pong":
	default:
		if s.handler != nil {
			s.handler(op, json.RawMessage(gjson.GetBytes(data, "data").Raw))
		}
	}
}

func (s *Socket) writeFrame(ctx context.Context, frame Frame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshalling frame: %w", err)
	}

	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *Socket) touchLastMessage() {
	s.lastMsgMu.Lock()
	s.lastMessage = time.Now()
	s.lastMsgMu.Unlock()
}
