package sagaflow

import (
	"errors"
	"fmt"
)

// Registry-level errors surfaced synchronously to callers. Step and
// compensation failures never escape the coordinator; they are logged and
// drive state transitions instead.
var (
	ErrDuplicateType   = errors.New("saga type already registered")
	ErrUnknownSagaType = errors.New("unknown saga type")
	ErrSagaNotFound    = errors.New("saga not found")
)

// ErrSequenceConflict indicates two writers collided on the same saga's log.
// It is fatal to the losing coordinator, which must stop without touching
// state further.
var ErrSequenceConflict = errors.New("saga log sequence conflict")

// permanentError marks an error that must not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so the step executor fails immediately instead of
// retrying. Use it for errors like validation rejections where repeating the
// call cannot succeed.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// transientError marks an error as explicitly retryable.
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient wraps err to mark it retryable. Unclassified errors are retried
// anyway; Transient exists so callers can be explicit about transport-level
// failures.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// Retryable reports whether the step executor may retry err. Errors are
// retryable unless wrapped with Permanent; downstream idempotency is a
// requirement of the engine, so retrying an unclassified error is safe.
func Retryable(err error) bool {
	var perm *permanentError
	return !errors.As(err, &perm)
}

// CompensationError records a compensation that failed after exhausting its
// retries. The saga escalates to FAILED and is flagged for operator review.
type CompensationError struct {
	Step string
	Err  error
}

func (e *CompensationError) Error() string {
	return fmt.Sprintf("compensation for step %q failed: %v", e.Step, e.Err)
}

func (e *CompensationError) Unwrap() error { return e.Err }
