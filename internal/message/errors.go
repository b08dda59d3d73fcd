package message

import "errors"

var (
	// ErrNotFound: the record is absent or owned by someone else.
	ErrNotFound = errors.New("scheduled message not found")
	// ErrForbidden: the caller does not own the referenced channel.
	ErrForbidden = errors.New("channel not owned by caller")
	// ErrInvalidArgument: e.g. scheduled_for not strictly in the future at creation.
	ErrInvalidArgument = errors.New("invalid argument")
	// ErrInvalidState: the operation is illegal for the record's current status.
	ErrInvalidState = errors.New("invalid state for operation")
)
