package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func sentinels() []error {
	return []error{
		ErrInvalidCredentials,
		ErrInvalidToken,
		ErrRefreshExpired,
		ErrSessionExpired,
		ErrValidation,
		ErrPersistence,
		ErrNotFound,
		ErrAPIRequest,
		ErrAPIResponse,
	}
}

func TestSentinelErrors_ImplementErrorInterface(t *testing.T) {
	for _, err := range sentinels() {
		assert.NotEmpty(t, err.Error(), "sentinel error should have non-empty message")
	}
}

func TestSentinelErrors_AreDistinct(t *testing.T) {
	all := sentinels()
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			assert.NotEqual(t, all[i], all[j],
				"sentinel errors should be distinct: %q vs %q", all[i], all[j])
		}
	}
}

func TestSentinelErrors_SurviveWrapping(t *testing.T) {
	for _, sentinel := range sentinels() {
		wrapped := fmt.Errorf("handling request: %w", sentinel)
		assert.True(t, errors.Is(wrapped, sentinel))
	}
}
