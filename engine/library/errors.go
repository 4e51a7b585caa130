package library

import (
	"errors"
	"fmt"
)

// Error kinds. Every sentinel in this module wraps exactly one of them, so callers can match on the kind
// or on the specific error with errors.Is.
var (
	// ErrTransport is a relay or mint that could not be reached. Retryable.
	ErrTransport = errors.New("transport error")
	// ErrProtocol is a malformed or unexpected message. Not retryable.
	ErrProtocol = errors.New("protocol error")
	// ErrValidation is a well formed message that breaks a business rule.
	ErrValidation = errors.New("validation error")
	// ErrAlreadyResolved is a second resolution of the same pending entry.
	ErrAlreadyResolved = errors.New("already resolved")
	// ErrStorage is a failed ledger read or write.
	ErrStorage = errors.New("storage error")
)

// Kind builds a sentinel error that wraps kind.
func Kind(kind error, message string) error {
	return fmt.Errorf("%w: %s", kind, message)
}

// Storage wraps a database failure so it is reported distinctly from protocol failures.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%w: %s: %w", ErrStorage, op, err)
}

// Retryable reports whether err is worth retrying with the same input.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransport)
}
