// Package client implements the user-facing side of the messaging
// subsystem: the REST client with its authentication-failure interceptor,
// the session continuity manager, the persistent connection, and the
// in-memory conversation view.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
	"unicode/utf8"

	apperrors "github.com/taskline/taskline/internal/errors"
)

// TransientError wraps an error that is likely temporary and safe to retry.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError, meaning the caller should retry after a backoff.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// httpClientTimeout is the timeout for the default HTTP client used
	// when no custom client is provided.
	httpClientTimeout = 30 * time.Second

	// maxAPIResponseBytes caps response body reads to prevent a
	// misbehaving server from consuming unbounded memory.
	maxAPIResponseBytes = 1024 * 1024
)

// Client talks to the taskline REST API. Every authenticated request runs
// through the session interceptor: an authentication failure triggers one
// shared token refresh and one replay with the new token, never more.
type Client struct {
	httpClient *http.Client
	baseURL    string
	session    *Session
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. This prevents credentials from
// leaking to third-party domains.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 {
		origHost := via[0].URL.Host
		if req.URL.Host != origHost {
			return fmt.Errorf("redirect to different host blocked: %s -> %s", origHost, req.URL.Host)
		}
	}

	return nil
}

// NewClient creates an API client for the given server URL. If httpClient
// is nil, a client with a 30-second timeout and same-host redirect policy
// is created.
func NewClient(baseURL string, session *Session, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout:       httpClientTimeout,
			CheckRedirect: sameHostRedirectPolicy,
		}
	}

	return &Client{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		session:    session,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends a JSON request and decodes the response into result. When
// authed is set, the request carries the session's access token, and a
// 401 response triggers the interceptor: await the shared refresh, then
// replay exactly once.
func (c *Client) do(ctx context.Context, method, endpoint string, body, result any, authed bool) error {
	token := ""
	if authed {
		token = c.session.AccessToken()
	}

	err := c.doOnce(ctx, method, endpoint, token, body, result)
	if !authed || !errors.Is(err, apperrors.ErrInvalidToken) {
		return err
	}

	// Authentication failure. Every concurrent call that fails for the
	// same reason blocks here on the same singleflight exchange; each
	// gets one replay with the refreshed token.
	fresh, refreshErr := c.session.Refresh(ctx)
	if refreshErr != nil {
		return refreshErr
	}

	return c.doOnce(ctx, method, endpoint, fresh, body, result)
}

func (c *Client) doOnce(ctx context.Context, method, endpoint, token string, body, result any) error {
	var payload io.Reader

	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshalling request body: %w", err)
		}

		payload = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint, payload)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		wrapped := fmt.Errorf("sending request to %s: %w", endpoint, err)
		// Network errors (timeouts, connection refused, DNS failures)
		// are transient by nature.
		return &TransientError{Err: wrapped}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxAPIResponseBytes))
	if err != nil {
		return fmt.Errorf("reading response from %s: %w", endpoint, err)
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("%w: %s", apperrors.ErrInvalidToken, endpoint)
	}

	if resp.StatusCode >= http.StatusBadRequest {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			err := fmt.Errorf("%w: %s (%d): %s", apperrors.ErrAPIRequest, endpoint, resp.StatusCode, apiErr.Message)
			if isTransientStatus(resp.StatusCode) {
				return &TransientError{Err: err}
			}

			return err
		}

		err := fmt.Errorf("%w: %s returned status %d: %s", apperrors.ErrAPIRequest, endpoint, resp.StatusCode, sanitizeResponseBody(respBody))
		if isTransientStatus(resp.StatusCode) {
			return &TransientError{Err: err}
		}

		return err
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", apperrors.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

// isTransientStatus returns true for HTTP status codes that indicate a
// temporary server-side problem worth retrying.
func isTransientStatus(code int) bool {
	switch code {
	case http.StatusTooManyRequests,
		http.StatusInternalServerError,
		http.StatusBadGateway,
		http.StatusServiceUnavailable,
		http.StatusGatewayTimeout:
		return true
	}

	return false
}

// Login authenticates with email and password and installs the resulting
// token pair on the session.
func (c *Client) Login(ctx context.Context, email, password string) (*Credentials, error) {
	req := map[string]string{"email": email, "password": password}

	var creds Credentials
	if err := c.do(ctx, http.MethodPost, "/api/auth/login", req, &creds, false); err != nil {
		return nil, fmt.Errorf("signing in: %w", err)
	}

	if err := c.session.SetTokens(creds.AccessToken, creds.RefreshToken); err != nil {
		return nil, err
	}

	return &creds, nil
}

// SendOTP requests a one-time login code for the given email.
func (c *Client) SendOTP(ctx context.Context, email string) error {
	req := map[string]string{"email": email}

	if err := c.do(ctx, http.MethodPost, "/api/auth/send-otp", req, nil, false); err != nil {
		return fmt.Errorf("requesting code: %w", err)
	}

	return nil
}

// VerifyOTP exchanges a one-time code for a token pair and installs it on
// the session.
func (c *Client) VerifyOTP(ctx context.Context, email, code string) (*Credentials, error) {
	req := map[string]string{"email": email, "code": code}

	var creds Credentials
	if err := c.do(ctx, http.MethodPost, "/api/auth/verify-otp", req, &creds, false); err != nil {
		return nil, fmt.Errorf("verifying code: %w", err)
	}

	if err := c.session.SetTokens(creds.AccessToken, creds.RefreshToken); err != nil {
		return nil, err
	}

	return &creds, nil
}

// RefreshToken exchanges a refresh token for a new access token. Used as
// the session's RefreshFunc; goes straight to doOnce so a failing
// exchange can never recurse into the interceptor.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (string, error) {
	req := map[string]string{"refreshToken": refreshToken}

	var resp struct {
		AccessToken string `json:"accessToken"`
	}

	if err := c.doOnce(ctx, http.MethodPost, "/api/auth/refresh-token", "", req, &resp); err != nil {
		return "", fmt.Errorf("refreshing token: %w", err)
	}

	return resp.AccessToken, nil
}

// Logout revokes the server-side refresh token.
func (c *Client) Logout(ctx context.Context) error {
	if err := c.do(ctx, http.MethodPost, "/api/auth/logout", nil, nil, true); err != nil {
		return fmt.Errorf("signing out: %w", err)
	}

	return nil
}

// Me returns the authenticated user.
func (c *Client) Me(ctx context.Context) (*Identity, error) {
	var me Identity
	if err := c.do(ctx, http.MethodGet, "/api/auth/me", nil, &me, true); err != nil {
		return nil, fmt.Errorf("loading profile: %w", err)
	}

	return &me, nil
}

// Conversations fetches the conversation summary list.
func (c *Client) Conversations(ctx context.Context) ([]Conversation, error) {
	var convs []Conversation
	if err := c.do(ctx, http.MethodGet, "/api/chat/conversations", nil, &convs, true); err != nil {
		return nil, fmt.Errorf("loading conversations: %w", err)
	}

	return convs, nil
}

// Messages fetches the full history with a counterpart, oldest first. The
// server marks the fetched messages read.
func (c *Client) Messages(ctx context.Context, counterpartID string) ([]Message, error) {
	var msgs []Message
	if err := c.do(ctx, http.MethodGet, "/api/chat/messages/"+counterpartID, nil, &msgs, true); err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}

	return msgs, nil
}

// Send submits a message over request/response. The server runs the full
// pipeline synchronously and returns the created record.
func (c *Client) Send(ctx context.Context, receiverID, text string) (*Message, error) {
	req := sendRequest{Receiver: receiverID, Message: text}

	var msg Message
	if err := c.do(ctx, http.MethodPost, "/api/chat/send", req, &msg, true); err != nil {
		return nil, fmt.Errorf("sending message: %w", err)
	}

	return &msg, nil
}

// MarkRead flags everything the counterpart sent as read.
func (c *Client) MarkRead(ctx context.Context, counterpartID string) error {
	if err := c.do(ctx, http.MethodPut, "/api/chat/read/"+counterpartID, nil, nil, true); err != nil {
		return fmt.Errorf("marking read: %w", err)
	}

	return nil
}
