package engine

import (
	"errors"
	"fmt"
	"time"
)

// Enqueue rejections. A rejected dispatch is not lost: the schedule keeps
// its NextFireAt and the next tick offers it again.
var (
	ErrDisabled    = errors.New("engine: disabled")
	ErrStopped     = errors.New("engine: stopped")
	ErrStopping    = errors.New("engine: stopping")
	ErrQueueFull   = errors.New("engine: queue full")
	ErrOverlapSkip = errors.New("engine: key busy, task skipped")
)

// NoRetry marks err as final for this attempt. The scheduler wraps every
// dispatch outcome with it because retry policy lives in the tick loop.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return &finalError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e *finalError
	return errors.As(err, &e)
}

type finalError struct{ err error }

func (e *finalError) Error() string { return e.err.Error() }
func (e *finalError) Unwrap() error { return e.err }

// RetryAfter attaches a server-requested delay (a chat flood-wait, say).
// The worker waits at least that long, capped by the backoff ceiling.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return &delayedError{err: err, after: max(after, 0)}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type delayedError struct {
	err   error
	after time.Duration
}

func (e *delayedError) Error() string             { return fmt.Sprintf("%v (retry in %s)", e.err, e.after) }
func (e *delayedError) Unwrap() error             { return e.err }
func (e *delayedError) RetryAfter() time.Duration { return e.after }
