package library

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindWrapsSentinel(t *testing.T) {
	errMismatch := Kind(ErrValidation, "amount mismatch")
	wrapped := fmt.Errorf("payment abc: %w", errMismatch)

	assert.ErrorIs(t, wrapped, ErrValidation)
	assert.ErrorIs(t, wrapped, errMismatch)
	assert.False(t, Retryable(wrapped))
	assert.True(t, Retryable(Kind(ErrTransport, "relay down")))
}

func TestStorageKeepsCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Storage("insert activity", cause)

	assert.ErrorIs(t, err, ErrStorage)
	assert.ErrorIs(t, err, cause)
	assert.NotErrorIs(t, err, ErrProtocol)
	assert.NoError(t, Storage("noop", nil))
}
