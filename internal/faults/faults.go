// Package faults defines the error taxonomy the orchestrator operates on.
// Adapters translate transport-specific failures into these shapes at the
// adapter boundary; nothing above that layer inspects raw transport errors.
package faults

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrServiceUnavailable is returned when a circuit breaker is open and
	// the call was short-circuited without reaching the dependency.
	ErrServiceUnavailable = errors.New("service unavailable: circuit open")

	// ErrDuplicateActiveJob signals that a workflow already has a queued or
	// running job. It is a no-op signal to callers, not a user-facing error.
	ErrDuplicateActiveJob = errors.New("duplicate active job for workflow")

	// ErrOrphanedJob marks a job found in running state with no live
	// executor, i.e. the owning process died mid-execution.
	ErrOrphanedJob = errors.New("orphaned job: no live executor")

	// ErrNotYetSubmitted reports that an external wait has not resolved.
	ErrNotYetSubmitted = errors.New("responses not yet submitted")
)

// TransientError wraps a retryable dependency failure.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return "transient: " + e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// Transient marks err as retryable.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &TransientError{Err: err}
}

// Transientf formats a retryable failure.
func Transientf(format string, args ...any) error {
	return &TransientError{Err: fmt.Errorf(format, args...)}
}

// PermanentError wraps a failure that must not be retried, typically a
// dependency rejecting the request as invalid.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf formats a non-retryable failure.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Err: fmt.Errorf(format, args...)}
}

// RateLimitedError carries the dependency's suggested delay.
type RateLimitedError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limited (retry after %s): %v", e.RetryAfter, e.Err)
}
func (e *RateLimitedError) Unwrap() error { return e.Err }

// RateLimited marks err as a throttle response with a suggested delay.
func RateLimited(retryAfter time.Duration, err error) error {
	return &RateLimitedError{RetryAfter: retryAfter, Err: err}
}

// InvalidParametersError reports malformed workflow creation input. It is
// surfaced to the caller immediately and never retried.
type InvalidParametersError struct {
	Reason string
}

func (e *InvalidParametersError) Error() string { return "invalid parameters: " + e.Reason }

// InvalidParameters builds an InvalidParametersError.
func InvalidParameters(reason string) error {
	return &InvalidParametersError{Reason: reason}
}

// IsTransient reports whether err is retryable at the job level. Rate
// limits, open breakers, and orphaned jobs all spend the same retry budget
// a transient dependency failure would.
func IsTransient(err error) bool {
	var te *TransientError
	var rl *RateLimitedError
	return errors.As(err, &te) || errors.As(err, &rl) ||
		errors.Is(err, ErrServiceUnavailable) || errors.Is(err, ErrOrphanedJob)
}

// IsPermanent reports whether err must never be retried.
func IsPermanent(err error) bool {
	var pe *PermanentError
	var ip *InvalidParametersError
	return errors.As(err, &pe) || errors.As(err, &ip)
}
