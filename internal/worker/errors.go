package worker

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrAlreadyStarted = errors.New("worker: already started")
	ErrNotStarted     = errors.New("worker: not started")
	ErrTimeout        = errors.New("worker: request timeout")
	ErrExited         = errors.New("worker: process exited")
	ErrClosed         = errors.New("worker: closed")
	ErrInvalidKind    = errors.New("worker: request kind must be user or privileged")
)

// TimeoutError is returned when no response arrived within the deadline.
type TimeoutError struct {
	Worker string
	Event  string
	After  time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("worker %s: request timeout: %s after %s", e.Worker, e.Event, e.After)
}

func (e *TimeoutError) Unwrap() error {
	return ErrTimeout
}
