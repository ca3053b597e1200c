package auth

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/taskline/taskline/internal/errors"
	"github.com/taskline/taskline/internal/store"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func testIssuer() *Issuer {
	return NewIssuer(testSecret, time.Hour, 48*time.Hour)
}

func testService(t *testing.T) (*Service, *store.Store) {
	t.Helper()

	st, err := store.Open(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	return NewService(st, testIssuer(), nil, slog.Default()), st
}

// --- Issuer ---

func TestIssuer_AccessRoundTrip(t *testing.T) {
	i := testIssuer()

	token, err := i.IssueAccess("u1")
	require.NoError(t, err)

	userID, err := i.VerifyAccess(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestIssuer_RefreshRoundTrip(t *testing.T) {
	i := testIssuer()

	token, err := i.IssueRefresh("u1")
	require.NoError(t, err)

	userID, err := i.VerifyRefresh(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", userID)
}

func TestIssuer_KindsAreNotInterchangeable(t *testing.T) {
	i := testIssuer()

	access, err := i.IssueAccess("u1")
	require.NoError(t, err)

	refresh, err := i.IssueRefresh("u1")
	require.NoError(t, err)

	_, err = i.VerifyRefresh(access)
	assert.ErrorIs(t, err, apperrors.ErrInvalidToken)

	_, err = i.VerifyAccess(refresh)
	assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
}

func TestIssuer_ExpiredToken(t *testing.T) {
	i := NewIssuer(testSecret, -time.Minute, 48*time.Hour)

	token, err := i.IssueAccess("u1")
	require.NoError(t, err)

	_, err = i.VerifyAccess(token)
	assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
}

func TestIssuer_WrongSecret(t *testing.T) {
	token, err := testIssuer().IssueAccess("u1")
	require.NoError(t, err)

	other := NewIssuer("ffffffffffffffffffffffffffffffff", time.Hour, 48*time.Hour)

	_, err = other.VerifyAccess(token)
	assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
}

func TestIssuer_Garbage(t *testing.T) {
	_, err := testIssuer().VerifyAccess("not.a.token")
	assert.ErrorIs(t, err, apperrors.ErrInvalidToken)
}

// --- Service ---

func TestService_RegisterAndLogin(t *testing.T) {
	s, _ := testService(t)

	creds, err := s.Register("Alice", "alice@example.com", "password123")
	require.NoError(t, err)
	assert.NotEmpty(t, creds.AccessToken)
	assert.NotEmpty(t, creds.RefreshToken)
	assert.Equal(t, "Alice", creds.User.Name)

	login, err := s.Login("alice@example.com", "password123")
	require.NoError(t, err)
	assert.Equal(t, creds.User.ID, login.User.ID)
}

func TestService_LoginWrongPassword(t *testing.T) {
	s, _ := testService(t)

	_, err := s.Register("Alice", "alice@example.com", "password123")
	require.NoError(t, err)

	_, err = s.Login("alice@example.com", "wrong")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}

func TestService_LoginUnknownEmail(t *testing.T) {
	s, _ := testService(t)

	_, err := s.Login("nobody@example.com", "password")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}

func TestService_Refresh(t *testing.T) {
	s, _ := testService(t)

	creds, err := s.Register("Alice", "alice@example.com", "password123")
	require.NoError(t, err)

	access, err := s.Refresh(creds.RefreshToken)
	require.NoError(t, err)
	assert.NotEmpty(t, access)

	userID, err := testIssuer().VerifyAccess(access)
	require.NoError(t, err)
	assert.Equal(t, creds.User.ID, userID)
}

func TestService_RefreshAfterLogout(t *testing.T) {
	s, _ := testService(t)

	creds, err := s.Register("Alice", "alice@example.com", "password123")
	require.NoError(t, err)

	require.NoError(t, s.Logout(creds.User.ID))

	_, err = s.Refresh(creds.RefreshToken)
	assert.ErrorIs(t, err, apperrors.ErrRefreshExpired)
}

func TestService_RefreshRevokedByNewerLogin(t *testing.T) {
	s, _ := testService(t)

	first, err := s.Register("Alice", "alice@example.com", "password123")
	require.NoError(t, err)

	// A second login rotates the stored refresh token.
	_, err = s.Login("alice@example.com", "password123")
	require.NoError(t, err)

	_, err = s.Refresh(first.RefreshToken)
	assert.ErrorIs(t, err, apperrors.ErrRefreshExpired)
}

func TestService_RefreshGarbage(t *testing.T) {
	s, _ := testService(t)

	_, err := s.Refresh("garbage")
	assert.ErrorIs(t, err, apperrors.ErrRefreshExpired)
}

// recordingNotifier captures the last OTP handed to it.
type recordingNotifier struct {
	email, code string
}

func (n *recordingNotifier) SendOTP(_ context.Context, email, _ string, code string) error {
	n.email = email
	n.code = code

	return nil
}

func TestService_OTPFlow(t *testing.T) {
	st, err := store.Open(filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	notifier := &recordingNotifier{}
	s := NewService(st, testIssuer(), notifier, slog.Default())

	_, err = s.Register("Alice", "alice@example.com", "password123")
	require.NoError(t, err)

	require.NoError(t, s.SendOTP(context.Background(), "alice@example.com"))
	assert.Equal(t, "alice@example.com", notifier.email)
	assert.Len(t, notifier.code, 6)

	creds, err := s.VerifyOTP("alice@example.com", notifier.code)
	require.NoError(t, err)
	assert.NotEmpty(t, creds.AccessToken)

	// Codes are single-use.
	_, err = s.VerifyOTP("alice@example.com", notifier.code)
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}

func TestService_VerifyOTPWrongCode(t *testing.T) {
	s, _ := testService(t)

	_, err := s.Register("Alice", "alice@example.com", "password123")
	require.NoError(t, err)

	require.NoError(t, s.SendOTP(context.Background(), "alice@example.com"))

	_, err = s.VerifyOTP("alice@example.com", "000000")
	assert.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
}

func TestService_SendOTPUnknownUser(t *testing.T) {
	s, _ := testService(t)

	err := s.SendOTP(context.Background(), "nobody@example.com")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

// --- Middleware ---

func TestMiddleware_ValidToken(t *testing.T) {
	issuer := testIssuer()

	token, err := issuer.IssueAccess("u1")
	require.NoError(t, err)

	var gotUserID string

	handler := Middleware(issuer, slog.Default())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUserID = RequestUserID(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/chat/conversations", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "u1", gotUserID)
}

func TestMiddleware_MissingToken(t *testing.T) {
	handler := Middleware(testIssuer(), slog.Default())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/chat/conversations", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "Bearer", rec.Header().Get("WWW-Authenticate"))
}

func TestMiddleware_InvalidToken(t *testing.T) {
	handler := Middleware(testIssuer(), slog.Default())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run")
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/chat/conversations", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Header().Get("WWW-Authenticate"), "invalid_token")
}
