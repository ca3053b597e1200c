package e2e_test

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/taskline/taskline/internal/api"
	"github.com/taskline/taskline/internal/auth"
	"github.com/taskline/taskline/internal/cipher"
	"github.com/taskline/taskline/internal/client"
	"github.com/taskline/taskline/internal/gateway"
	"github.com/taskline/taskline/internal/pipeline"
	"github.com/taskline/taskline/internal/presence"
	"github.com/taskline/taskline/internal/store"
)

const (
	testTokenSecret = "e2e-secret-0123456789abcdef012345"
	testPassword    = "e2e-password"

	eventWait = 5 * time.Second
	eventPoll = 20 * time.Millisecond
)

// harness holds the full e2e stack: a real HTTP server carrying the REST
// API and the websocket gateway, backed by a temp bbolt store.
type harness struct {
	URL    string
	Store  *store.Store
	Client *http.Client
}

// newHarness wires store, cipher, auth, presence, pipeline, gateway, and
// API router together and starts an httptest server.
func newHarness(t *testing.T) *harness {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "e2e.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	key := sha256.Sum256([]byte("e2e-cipher-key"))
	msgCipher, err := cipher.New(key[:])
	require.NoError(t, err)

	logger := slog.New(slog.DiscardHandler)

	issuer := auth.NewIssuer(testTokenSecret, time.Hour, 48*time.Hour)
	svc := auth.NewService(st, issuer, nil, logger)
	registry := presence.NewRegistry(logger)
	pl := pipeline.New(st, msgCipher, registry, logger)
	gw := gateway.New(issuer, registry, pl, "", logger)
	handler := api.NewHandler(svc, issuer, pl, st, gw, logger)

	ts := httptest.NewServer(handler.Router())
	t.Cleanup(ts.Close)

	return &harness{
		URL:    ts.URL,
		Store:  st,
		Client: ts.Client(),
	}
}

func (h *harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.URL, "http") + "/ws"
}

// register creates an account through the REST API and returns the user ID.
func (h *harness) register(t *testing.T, name string) string {
	t.Helper()

	body, err := json.Marshal(map[string]string{
		"name":     name,
		"email":    name + "@example.com",
		"password": testPassword,
	})
	require.NoError(t, err)

	resp, err := h.Client.Post(h.URL+"/api/auth/register", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var creds struct {
		User struct {
			ID string `json:"id"`
		} `json:"user"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&creds))
	require.NotEmpty(t, creds.User.ID)

	return creds.User.ID
}

// participant is one signed-in user driving the full client stack:
// session, REST client, socket, and view.
type participant struct {
	ID      string
	Client  *client.Client
	Session *client.Session
	View    *client.View
	Socket  *client.Socket

	disconnect context.CancelFunc
}

// signIn registers (if needed) and logs a user into a fresh client stack.
// The socket is not connected yet; call connect for a live participant.
func (h *harness) signIn(t *testing.T, name string) *participant {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	var c *client.Client

	session := client.NewSession(func(ctx context.Context, refreshToken string) (string, error) {
		return c.RefreshToken(ctx, refreshToken)
	}, client.SessionConfig{}, logger)

	c = client.NewClient(h.URL, session, h.Client)

	ctx, cancel := context.WithTimeout(context.Background(), eventWait)
	defer cancel()

	creds, err := c.Login(ctx, name+"@example.com", testPassword)
	require.NoError(t, err)

	p := &participant{
		ID:      creds.User.ID,
		Client:  c,
		Session: session,
	}
	p.View = client.NewView(creds.User.ID, c, nil, logger)

	return p
}

// connect attaches a live socket to the participant and starts its listen
// loop. Cleanup tears the connection down.
func (p *participant) connect(t *testing.T, h *harness) {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)

	p.Socket = client.NewSocket(h.wsURL(), p.Session, p.View.HandleEvent, logger)
	p.View.AttachSocket(p.Socket)

	ctx, cancel := context.WithCancel(context.Background())
	p.disconnect = cancel
	t.Cleanup(cancel)

	dialCtx, dialCancel := context.WithTimeout(ctx, eventWait)
	defer dialCancel()

	require.NoError(t, p.Socket.Connect(dialCtx))

	go p.Socket.Listen(ctx) //nolint:errcheck // returns on cancel

	// Wait for the presence snapshot so the view is fully initialized.
	require.Eventually(t, p.Socket.Connected, eventWait, eventPoll)
}

// unreadFrom reads the unread count toward the given counterpart, or -1
// when no summary exists yet.
func (p *participant) unreadFrom(counterpartID string) int {
	for _, conv := range p.View.Conversations() {
		if conv.User.ID == counterpartID {
			return conv.UnreadCount
		}
	}

	return -1
}

// lastMessageWith returns the newest message in the open conversation, or
// nil when there is none.
func (p *participant) lastMessage() *client.Message {
	msgs := p.View.Messages()
	if len(msgs) == 0 {
		return nil
	}

	return &msgs[len(msgs)-1]
}

// eventually wraps require.Eventually with the suite's standard timing.
func eventually(t *testing.T, cond func() bool, msgAndArgs ...any) {
	t.Helper()
	require.Eventually(t, cond, eventWait, eventPoll, msgAndArgs...)
}

// sendAndWait sends a message over the live socket and waits until the
// echo lands in the sender's open conversation.
func (p *participant) sendAndWait(t *testing.T, receiverID, text string) client.Message {
	t.Helper()

	before := len(p.View.Messages())

	_, err := p.View.SendMessage(context.Background(), receiverID, text)
	require.NoError(t, err)

	eventually(t, func() bool {
		return len(p.View.Messages()) > before
	}, "sent message never echoed back")

	msg := p.lastMessage()
	require.NotNil(t, msg)
	require.Equal(t, text, msg.Message)

	return *msg
}

func openConversation(t *testing.T, p *participant, counterpartID string) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), eventWait)
	defer cancel()

	require.NoError(t, p.View.Open(ctx, counterpartID))
}

func refreshView(t *testing.T, p *participant) {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), eventWait)
	defer cancel()

	require.NoError(t, p.View.Refresh(ctx))
}
