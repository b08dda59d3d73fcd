package channel

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownKind = errors.New("no dispatcher registered for channel kind")
	// ErrBadCredentials is returned (as Permanent) when a channel lacks a required key.
	ErrBadCredentials = errors.New("channel credentials incomplete")
)

type permanentError struct{ err error }

func (e permanentError) Error() string { return e.err.Error() }
func (e permanentError) Unwrap() error { return e.err }

// Permanent marks a dispatch error as not worth retrying (bad recipient,
// rejected credentials). The runner moves the message straight to FAILED.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	if IsPermanent(err) {
		return err
	}
	return permanentError{err: err}
}

func IsPermanent(err error) bool {
	var pe permanentError
	return errors.As(err, &pe)
}

// MissingCredential is the error for an absent credential key.
func MissingCredential(key string) error {
	return Permanent(fmt.Errorf("%w: %q is required", ErrBadCredentials, key))
}
