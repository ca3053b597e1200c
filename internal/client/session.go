package client

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/taskline/taskline/internal/errors"
)

// State is the session continuity state.
type State int

const (
	// StateActive means the access token has comfortable lifetime left.
	StateActive State = iota

	// StateWarning means the token expires soon; the user should be shown
	// a countdown and a continue action.
	StateWarning

	// StateRefreshing means a token exchange is in flight.
	StateRefreshing

	// StateExpired is terminal: the session is gone and the user is
	// signed out.
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateWarning:
		return "warning"
	case StateRefreshing:
		return "refreshing"
	case StateExpired:
		return "expired"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

const (
	// checkInterval is how often the local expiry check runs. The check
	// decodes the token's expiry claim; it never touches the network.
	checkInterval = 10 * time.Second

	// warningThreshold is the remaining lifetime below which the session
	// enters the warning state.
	warningThreshold = 5 * time.Minute
)

// RefreshFunc exchanges a refresh token for a new access token.
type RefreshFunc func(ctx context.Context, refreshToken string) (string, error)

// Session tracks the lifetime of an access/refresh token pair. All
// concurrent refresh attempts, whether from the periodic check, the user's
// continue action, or the transport interceptor, collapse into a single
// in-flight exchange whose outcome every caller shares.
type Session struct {
	exchange RefreshFunc
	logger   *slog.Logger

	// onState is invoked after every state transition. onSignOut fires
	// once, when the session becomes expired.
	onState   func(State)
	onSignOut func()

	group singleflight.Group

	mu           sync.RWMutex
	accessToken  string
	refreshToken string
	deadline     time.Time
	state        State
}

// SessionConfig carries the optional callbacks for NewSession.
type SessionConfig struct {
	OnState   func(State)
	OnSignOut func()
}

// NewSession creates a session manager. Tokens are supplied later via
// SetTokens once the user signs in.
func NewSession(exchange RefreshFunc, cfg SessionConfig, logger *slog.Logger) *Session {
	return &Session{
		exchange:  exchange,
		logger:    logger,
		onState:   cfg.OnState,
		onSignOut: cfg.OnSignOut,
	}
}

// SetTokens installs a fresh token pair and moves the session to active.
func (s *Session) SetTokens(accessToken, refreshToken string) error {
	deadline, err := tokenDeadline(accessToken)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.accessToken = accessToken
	s.refreshToken = refreshToken
	s.deadline = deadline
	prev := s.state
	s.state = StateActive
	s.mu.Unlock()

	s.notify(prev, StateActive)

	return nil
}

// AccessToken returns the current access token, empty once expired.
func (s *Session) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.accessToken
}

// State returns the current continuity state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.state
}

// Remaining returns the access token lifetime left at the given instant.
func (s *Session) Remaining(now time.Time) time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.deadline.Sub(now)
}

// Run performs the periodic local expiry check until ctx is cancelled or
// the session expires.
func (s *Session) Run(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.Check(time.Now()) == StateExpired {
				return
			}
		}
	}
}

// Check evaluates the token's remaining lifetime at the given instant and
// applies the resulting transition. A countdown that reaches zero without
// a continue action forces expiry.
func (s *Session) Check(now time.Time) State {
	s.mu.Lock()

	if s.state == StateRefreshing || s.state == StateExpired || s.accessToken == "" {
		state := s.state
		s.mu.Unlock()

		return state
	}

	remaining := s.deadline.Sub(now)
	prev := s.state

	switch {
	case remaining <= 0:
		s.expireLocked()
		s.mu.Unlock()
		s.notify(prev, StateExpired)

		return StateExpired

	case remaining <= warningThreshold:
		s.state = StateWarning
		s.mu.Unlock()
		s.notify(prev, StateWarning)

		return StateWarning

	default:
		s.state = StateActive
		s.mu.Unlock()
		s.notify(prev, StateActive)

		return StateActive
	}
}

// Continue is the explicit user action from the warning countdown.
func (s *Session) Continue(ctx context.Context) error {
	_, err := s.Refresh(ctx)

	return err
}

// Refresh exchanges the refresh token for a new access token and returns
// it. Concurrent callers share one exchange. Failure is terminal: the
// session is torn down and every caller gets ErrSessionExpired.
func (s *Session) Refresh(ctx context.Context) (string, error) {
	token, err, _ := s.group.Do("refresh", func() (any, error) {
		return s.doRefresh(ctx)
	})
	if err != nil {
		return "", err
	}

	return token.(string), nil
}

func (s *Session) doRefresh(ctx context.Context) (string, error) {
	s.mu.Lock()

	if s.state == StateExpired {
		s.mu.Unlock()
		return "", apperrors.ErrSessionExpired
	}

	prev := s.state
	s.state = StateRefreshing
	refreshToken := s.refreshToken
	s.mu.Unlock()

	s.notify(prev, StateRefreshing)

	access, err := s.exchange(ctx, refreshToken)
	if err != nil {
		s.logger.Warn("token refresh failed", slog.String("error", err.Error()))
		s.forceExpire()

		return "", fmt.Errorf("%w: %w", apperrors.ErrSessionExpired, err)
	}

	deadline, err := tokenDeadline(access)
	if err != nil {
		s.forceExpire()

		return "", fmt.Errorf("%w: %w", apperrors.ErrSessionExpired, err)
	}

	s.mu.Lock()
	s.accessToken = access
	s.deadline = deadline
	s.state = StateActive
	s.mu.Unlock()

	s.notify(StateRefreshing, StateActive)
	s.logger.Debug("session refreshed", slog.Time("deadline", deadline))

	return access, nil
}

// forceExpire tears the session down from any state.
func (s *Session) forceExpire() {
	s.mu.Lock()
	prev := s.state
	s.expireLocked()
	s.mu.Unlock()

	s.notify(prev, StateExpired)
}

func (s *Session) expireLocked() {
	s.accessToken = ""
	s.refreshToken = ""
	s.state = StateExpired
}

// notify fires the state callback on a real transition, and the sign-out
// callback on the transition into expired.
func (s *Session) notify(prev, next State) {
	if prev == next {
		return
	}

	if s.onState != nil {
		s.onState(next)
	}

	if next == StateExpired && s.onSignOut != nil {
		s.onSignOut()
	}
}

// tokenDeadline decodes the expiry claim without verifying the signature.
// Verification is the server's job; the client only needs the deadline
// for its local countdown.
func tokenDeadline(token string) (time.Time, error) {
	var claims jwt.RegisteredClaims

	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return time.Time{}, fmt.Errorf("decoding token expiry: %w", err)
	}

	if claims.ExpiresAt == nil {
		return time.Time{}, fmt.Errorf("token carries no expiry claim")
	}

	return claims.ExpiresAt.Time, nil
}
