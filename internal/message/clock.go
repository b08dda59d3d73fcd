package message

import "time"

// Clock is the source of "now" for validation and due selection.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now().UTC() }

// SystemClock returns a UTC wall clock.
func SystemClock() Clock { return systemClock{} }

// ClockFunc adapts a plain function.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }
