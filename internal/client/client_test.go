package client

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/taskline/taskline/internal/errors"
)

// authServer is a test double for the REST API that tracks which access
// token is currently valid and how often the refresh endpoint is hit.
type authServer struct {
	mu        sync.Mutex
	valid     string
	next      string
	refreshes atomic.Int32
	requests  atomic.Int32

	refreshDelay time.Duration
	failRefresh  bool

	// revokeAfterRefresh makes the freshly issued token invalid too, so a
	// replayed request still gets 401.
	revokeAfterRefresh bool
}

func (a *authServer) handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/auth/refresh-token", func(w http.ResponseWriter, r *http.Request) {
		a.refreshes.Add(1)
		time.Sleep(a.refreshDelay)

		if a.failRefresh {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"message": "refresh token expired or revoked"})

			return
		}

		a.mu.Lock()
		token := a.next
		a.valid = token
		if a.revokeAfterRefresh {
			a.valid = "revoked"
		}
		a.mu.Unlock()

		json.NewEncoder(w).Encode(map[string]string{"accessToken": token})
	})

	mux.HandleFunc("GET /api/chat/conversations", func(w http.ResponseWriter, r *http.Request) {
		a.requests.Add(1)

		a.mu.Lock()
		valid := a.valid
		a.mu.Unlock()

		if r.Header.Get("Authorization") != "Bearer "+valid {
			w.WriteHeader(http.StatusUnauthorized)
			json.NewEncoder(w).Encode(map[string]string{"message": "invalid or expired token"})

			return
		}

		json.NewEncoder(w).Encode([]Conversation{})
	})

	return mux
}

func newAuthFixture(t *testing.T, srv *authServer) (*Client, *Session) {
	t.Helper()

	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)

	var c *Client

	session := NewSession(func(ctx context.Context, refreshToken string) (string, error) {
		return c.RefreshToken(ctx, refreshToken)
	}, SessionConfig{}, slog.Default())

	c = NewClient(ts.URL, session, nil)

	return c, session
}

// Three concurrent calls fail because the token just expired server-side;
// exactly one refresh happens and every call is replayed once with the
// new token.
func TestInterceptor_SingleRefreshForConcurrentFailures(t *testing.T) {
	stale := testToken(t, time.Now().Add(time.Hour))
	fresh := testToken(t, time.Now().Add(2*time.Hour))

	srv := &authServer{next: fresh, refreshDelay: 200 * time.Millisecond}
	c, session := newAuthFixture(t, srv)
	require.NoError(t, session.SetTokens(stale, "refresh-1"))

	const callers = 3

	var wg sync.WaitGroup

	errs := make([]error, callers)

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			_, errs[i] = c.Conversations(context.Background())
		}()
	}

	wg.Wait()

	for i := range callers {
		require.NoError(t, errs[i])
	}

	assert.Equal(t, int32(1), srv.refreshes.Load(), "one shared refresh exchange")
	assert.Equal(t, int32(2*callers), srv.requests.Load(), "each call fails once and replays once")
	assert.Equal(t, fresh, session.AccessToken())
	assert.Equal(t, StateActive, session.State())
}

func TestInterceptor_RefreshFailureRejectsAllCallers(t *testing.T) {
	stale := testToken(t, time.Now().Add(time.Hour))

	var signedOut atomic.Int32

	srv := &authServer{failRefresh: true, refreshDelay: 100 * time.Millisecond}

	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)

	var c *Client

	session := NewSession(func(ctx context.Context, refreshToken string) (string, error) {
		return c.RefreshToken(ctx, refreshToken)
	}, SessionConfig{
		OnSignOut: func() { signedOut.Add(1) },
	}, slog.Default())

	c = NewClient(ts.URL, session, nil)
	require.NoError(t, session.SetTokens(stale, "refresh-1"))

	const callers = 3

	var wg sync.WaitGroup

	errs := make([]error, callers)

	for i := range callers {
		wg.Add(1)

		go func() {
			defer wg.Done()
			_, errs[i] = c.Conversations(context.Background())
		}()
	}

	wg.Wait()

	for i := range callers {
		assert.ErrorIs(t, errs[i], apperrors.ErrSessionExpired, "queued calls are rejected, not retried")
	}

	assert.Equal(t, int32(1), srv.refreshes.Load(), "no retry storm against a dead credential")
	assert.Equal(t, StateExpired, session.State())
	assert.Equal(t, int32(1), signedOut.Load())
}

func TestInterceptor_NoReplayOnSecondFailure(t *testing.T) {
	// The refresh succeeds but the server still refuses the new token.
	// The call must fail after exactly one replay.
	stale := testToken(t, time.Now().Add(time.Hour))
	fresh := testToken(t, time.Now().Add(2*time.Hour))

	srv := &authServer{next: fresh, revokeAfterRefresh: true}
	c, session := newAuthFixture(t, srv)
	require.NoError(t, session.SetTokens(stale, "refresh-1"))

	_, err := c.Conversations(context.Background())
	require.ErrorIs(t, err, apperrors.ErrInvalidToken)
	assert.Equal(t, int32(2), srv.requests.Load(), "original attempt plus one replay, never more")
}

func TestTransientErrors(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"message": "maintenance"})
	}))
	t.Cleanup(ts.Close)

	session := NewSession(nil, SessionConfig{}, slog.Default())
	require.NoError(t, session.SetTokens(testToken(t, time.Now().Add(time.Hour)), "refresh-1"))

	c := NewClient(ts.URL, session, nil)

	_, err := c.Conversations(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err), "5xx responses are retryable")

	// Connection refused is transient too.
	dead := NewClient("http://127.0.0.1:1", session, nil)
	_, err = dead.Me(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestErrorBodyDecoding(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"message": "invalid message payload"})
	}))
	t.Cleanup(ts.Close)

	session := NewSession(nil, SessionConfig{}, slog.Default())
	require.NoError(t, session.SetTokens(testToken(t, time.Now().Add(time.Hour)), "refresh-1"))

	c := NewClient(ts.URL, session, nil)

	_, err := c.Send(context.Background(), "bob", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrAPIRequest)
	assert.Contains(t, err.Error(), "invalid message payload")
	assert.False(t, IsTransient(err), "validation errors are not retryable")
}

func TestSanitizeResponseBody(t *testing.T) {
	assert.Equal(t, "plain text", sanitizeResponseBody([]byte("plain text")))
	assert.Equal(t, "a?b", sanitizeResponseBody([]byte("a\x00b")))
	assert.Equal(t, "line\nbreak", sanitizeResponseBody([]byte("line\nbreak")))

	long := make([]byte, 512)
	for i := range long {
		long[i] = 'x'
	}

	assert.Len(t, sanitizeResponseBody(long), 256)
}
