package auth

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	apperrors "github.com/taskline/taskline/internal/errors"
	"github.com/taskline/taskline/internal/store"
)

const (
	// otpDigits is the length of a one-time login code.
	otpDigits = 6

	// otpTTL is how long a one-time code stays valid.
	otpTTL = 10 * time.Minute
)

// Notifier delivers one-time codes out of band. Delivery transports
// (email, SMS) live outside this subsystem; a notifier may silently no-op.
type Notifier interface {
	SendOTP(ctx context.Context, email, name, code string) error
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

func (NopNotifier) SendOTP(context.Context, string, string, string) error { return nil }

// Credentials is the result of a successful login: the user record plus
// a fresh access/refresh token pair.
type Credentials struct {
	User         store.User
	AccessToken  string
	RefreshToken string
}

// Service implements login, OTP exchange, refresh, and logout against the
// user store.
type Service struct {
	store    *store.Store
	issuer   *Issuer
	notifier Notifier
	logger   *slog.Logger
}

// NewService creates the auth service. A nil notifier falls back to
// NopNotifier.
func NewService(st *store.Store, issuer *Issuer, notifier Notifier, logger *slog.Logger) *Service {
	if notifier == nil {
		notifier = NopNotifier{}
	}

	return &Service{store: st, issuer: issuer, notifier: notifier, logger: logger}
}

// Register creates a new user with a bcrypt-hashed password and signs
// them in.
func (s *Service) Register(name, email, password string) (*Credentials, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hashing password: %w", err)
	}

	u := store.User{
		ID:           uuid.NewString(),
		Name:         name,
		Email:        email,
		PasswordHash: string(hash),
	}

	if err := s.store.CreateUser(u); err != nil {
		return nil, fmt.Errorf("creating user: %w", err)
	}

	return s.signIn(u)
}

// Login verifies email/password credentials and returns a token pair.
func (s *Service) Login(email, password string) (*Credentials, error) {
	u, err := s.store.UserByEmail(email)
	if err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.ErrInvalidCredentials
		}

		return nil, err
	}

	if bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return nil, apperrors.ErrInvalidCredentials
	}

	return s.signIn(*u)
}

// SendOTP generates a one-time code for the user and hands it to the
// notifier. The code is stored with a 10-minute expiry.
func (s *Service) SendOTP(ctx context.Context, email string) error {
	u, err := s.store.UserByEmail(email)
	if err != nil {
		return err
	}

	code, err := generateOTP()
	if err != nil {
		return err
	}

	u.OTP = code
	u.OTPExpiry = time.Now().Add(otpTTL).UnixMilli()

	if err := s.store.SaveUser(*u); err != nil {
		return fmt.Errorf("saving OTP: %w", err)
	}

	if err := s.notifier.SendOTP(ctx, u.Email, u.Name, code); err != nil {
		return fmt.Errorf("sending OTP: %w", err)
	}

	s.logger.Info("OTP issued", slog.String("user_id", u.ID))

	return nil
}

// VerifyOTP exchanges a valid one-time code for a token pair. The code is
// single-use: it is cleared before the tokens are issued.
func (s *Service) VerifyOTP(email, code string) (*Credentials, error) {
	u, err := s.store.UserByEmail(email)
	if err != nil {
		return nil, err
	}

	if u.OTP == "" || u.OTP != code {
		return nil, apperrors.ErrInvalidCredentials
	}

	if time.Now().UnixMilli() > u.OTPExpiry {
		return nil, apperrors.ErrInvalidCredentials
	}

	u.OTP = ""
	u.OTPExpiry = 0

	if err := s.store.SaveUser(*u); err != nil {
		return nil, fmt.Errorf("clearing OTP: %w", err)
	}

	return s.signIn(*u)
}

// Refresh exchanges a refresh token for a new access token. The refresh
// token itself is not rotated. Any failure is terminal for the session;
// the server never retries on the caller's behalf.
func (s *Service) Refresh(refreshToken string) (string, error) {
	userID, err := s.issuer.VerifyRefresh(refreshToken)
	if err != nil {
		return "", apperrors.ErrRefreshExpired
	}

	u, err := s.store.UserByID(userID)
	if err != nil {
		return "", apperrors.ErrRefreshExpired
	}

	// The token must match the one on record: logout or a newer login
	// revokes older refresh tokens.
	if u.RefreshToken != refreshToken {
		return "", apperrors.ErrRefreshExpired
	}

	if time.Now().UnixMilli() > u.RefreshTokenExpiry {
		return "", apperrors.ErrRefreshExpired
	}

	access, err := s.issuer.IssueAccess(userID)
	if err != nil {
		return "", err
	}

	s.logger.Debug("access token refreshed", slog.String("user_id", userID))

	return access, nil
}

// Logout revokes the user's stored refresh token.
func (s *Service) Logout(userID string) error {
	u, err := s.store.UserByID(userID)
	if err != nil {
		return err
	}

	u.RefreshToken = ""
	u.RefreshTokenExpiry = 0

	return s.store.SaveUser(*u)
}

// signIn issues a token pair and persists the refresh token on the user.
func (s *Service) signIn(u store.User) (*Credentials, error) {
	access, err := s.issuer.IssueAccess(u.ID)
	if err != nil {
		return nil, err
	}

	refresh, err := s.issuer.IssueRefresh(u.ID)
	if err != nil {
		return nil, err
	}

	u.RefreshToken = refresh
	u.RefreshTokenExpiry = time.Now().Add(s.issuer.RefreshTTL()).UnixMilli()

	if err := s.store.SaveUser(u); err != nil {
		return nil, fmt.Errorf("persisting refresh token: %w", err)
	}

	return &Credentials{User: u, AccessToken: access, RefreshToken: refresh}, nil
}

// generateOTP returns a random 6-digit numeric code.
func generateOTP() (string, error) {
	max := big.NewInt(1)
	for range otpDigits {
		max.Mul(max, big.NewInt(10))
	}

	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("generating OTP: %w", err)
	}

	return fmt.Sprintf("%0*d", otpDigits, n), nil
}
