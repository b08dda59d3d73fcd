package engine

import "errors"

// Enqueue rejections.
var (
	ErrDisabled  = errors.New("engine: disabled")
	ErrStopped   = errors.New("engine: not running")
	ErrQueueFull = errors.New("engine: queue full")
	ErrBusy      = errors.New("engine: previous run still active")
)

// NoRetry marks err as final: the worker reports it after the current attempt.
// The wrapper is transparent to errors.Is and errors.As.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &finalError{err}
}

type finalError struct{ error }

func (e *finalError) Unwrap() error { return e.error }

// finalCause returns the error inside a NoRetry wrapper, or nil when err is retryable.
func finalCause(err error) error {
	var f *finalError
	if errors.As(err, &f) {
		return f.error
	}
	return nil
}
