// Package errors defines the sentinel errors shared across the messaging
// subsystem. Handlers map these to transport-level responses; callers test
// for them with errors.Is.
package errors

import "errors"

// Authentication and session errors.
var (
	ErrInvalidCredentials = errors.New("invalid email or password")
	ErrInvalidToken       = errors.New("invalid or expired token")
	ErrRefreshExpired     = errors.New("refresh token expired or revoked")
	ErrSessionExpired     = errors.New("session expired")
)

// Pipeline errors. An unreachable receiver is deliberately not an error:
// the message persists as undelivered and is picked up on the next fetch.
var (
	ErrValidation  = errors.New("invalid message payload")
	ErrPersistence = errors.New("message could not be persisted")
	ErrNotFound    = errors.New("not found")
)

// Client/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
