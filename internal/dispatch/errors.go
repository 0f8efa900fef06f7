package dispatch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"legendalf/internal/transport"
)

type Class int

const (
	// Retryable failures leave the schedule due; the next tick tries again.
	Retryable Class = iota
	// Permanent failures disable the schedule.
	Permanent
)

func (c Class) String() string {
	if c == Permanent {
		return "permanent"
	}
	return "retryable"
}

// Error is a classified dispatch failure.
type Error struct {
	Class      Class
	Reason     string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("dispatch %s: %s", e.Class, e.Reason)
	}
	return fmt.Sprintf("dispatch %s: %s: %v", e.Class, e.Reason, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func retryable(reason string, err error) *Error {
	return &Error{Class: Retryable, Reason: reason, Err: err}
}

// ErrSourceDisabled means the payload needs a content source this process
// runs without. It is retryable: turning the source on heals the schedule.
var ErrSourceDisabled = errors.New("source disabled")

func sourceDisabled(source string) *Error {
	return retryable("source disabled", fmt.Errorf("%s: %w", source, ErrSourceDisabled))
}

func permanent(reason string, err error) *Error {
	return &Error{Class: Permanent, Reason: reason, Err: err}
}

// IsPermanent reports whether err is a dispatch failure that will not heal.
func IsPermanent(err error) bool {
	var de *Error
	return errors.As(err, &de) && de.Class == Permanent
}

// Classify maps transport and context failures onto the dispatch taxonomy.
// Unknown errors are retryable.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}
	var de *Error
	if errors.As(err, &de) {
		return de
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return retryable("timeout", err)
	}
	if te, ok := transport.AsDeliveryError(err); ok {
		out := &Error{Class: Retryable, Reason: te.Reason, RetryAfter: te.RetryAfter, Err: err}
		if !te.Retryable {
			out.Class = Permanent
		}
		return out
	}
	return retryable("transport", err)
}
