// Package auth issues and verifies the bearer credentials that protect
// the REST surface and the websocket handshake. Access tokens are
// short-lived signed tokens whose expiry the client can decode locally;
// refresh tokens are longer-lived and persisted against the user record
// so they can be revoked on logout.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/taskline/taskline/internal/errors"
)

// Token kinds. Embedded in the claims so an access token can never be
// replayed as a refresh token or vice versa.
const (
	kindAccess  = "access"
	kindRefresh = "refresh"
)

// Claims is the signed payload of both token kinds.
type Claims struct {
	Kind string `json:"kind"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies tokens with a shared HMAC secret. The secret
// must be identical between issuance and verification.
type Issuer struct {
	secret     []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

// NewIssuer creates a token issuer.
func NewIssuer(secret string, accessTTL, refreshTTL time.Duration) *Issuer {
	return &Issuer{
		secret:     []byte(secret),
		accessTTL:  accessTTL,
		refreshTTL: refreshTTL,
	}
}

// IssueAccess signs a short-lived access token for the given user.
func (i *Issuer) IssueAccess(userID string) (string, error) {
	return i.issue(userID, kindAccess, i.accessTTL)
}

// IssueRefresh signs a refresh token for the given user. The caller is
// expected to persist it on the user record so Logout can revoke it.
func (i *Issuer) IssueRefresh(userID string) (string, error) {
	return i.issue(userID, kindRefresh, i.refreshTTL)
}

func (i *Issuer) issue(userID, kind string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		Kind: kind,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("signing %s token: %w", kind, err)
	}

	return signed, nil
}

// VerifyAccess checks an access token's signature and expiry and returns
// the subject user id.
func (i *Issuer) VerifyAccess(token string) (string, error) {
	return i.verify(token, kindAccess)
}

// VerifyRefresh checks a refresh token's signature and expiry and returns
// the subject user id.
func (i *Issuer) VerifyRefresh(token string) (string, error) {
	return i.verify(token, kindRefresh)
}

func (i *Issuer) verify(token, kind string) (string, error) {
	claims := &Claims{}

	parsed, err := jwt.ParseWithClaims(token, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}

		return i.secret, nil
	})
	if err != nil || !parsed.Valid {
		return "", apperrors.ErrInvalidToken
	}

	if claims.Kind != kind || claims.Subject == "" {
		return "", apperrors.ErrInvalidToken
	}

	return claims.Subject, nil
}

// RefreshTTL exposes the refresh lifetime so callers can persist the
// matching expiry timestamp on the user record.
func (i *Issuer) RefreshTTL() time.Duration {
	return i.refreshTTL
}
