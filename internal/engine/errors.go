package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/xkilldash9x/passup/api/schemas"
)

var (
	// ErrUnsupportedSelector is returned when a driver cannot resolve a selector strategy.
	ErrUnsupportedSelector = errors.New("unsupported selector strategy")
	// ErrDriverUnavailable means the browser session is gone or unusable.
	ErrDriverUnavailable = errors.New("driver unavailable")
	// ErrNoSuchFrame is returned by drivers when a frame index does not exist (yet).
	ErrNoSuchFrame = errors.New("no such frame")
	// ErrStaleElement is returned by drivers when a handle no longer refers to a live node.
	ErrStaleElement = errors.New("stale element")
)

// transientError marks a failure that only means "not satisfied yet".
type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable by the wait subsystem. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) {
		return err
	}
	return &transientError{err: err}
}

// IsTransient reports whether err, or anything it wraps, was marked Transient.
func IsTransient(err error) bool {
	var t *transientError
	return errors.As(err, &t)
}

// StepError is the typed failure of one step. StepIndex is -1 for failures
// detected before the step loop started.
type StepError struct {
	Kind      schemas.ErrorKind
	StepIndex int
	Step      string
	// Expired is set when the step's wait phase ran out of time.
	Expired bool
	Err     error
}

func (e *StepError) Error() string {
	if e.StepIndex < 0 {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("step %d (%s): %s: %v", e.StepIndex, e.Step, e.Kind, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// newStepError builds a failure whose index is filled in by the executor loop.
func newStepError(kind schemas.ErrorKind, format string, args ...any) *StepError {
	return &StepError{Kind: kind, StepIndex: schemas.NoFailedStep, Err: fmt.Errorf(format, args...)}
}

// expiredError is a newStepError for a wait phase that hit its deadline.
func expiredError(kind schemas.ErrorKind, format string, args ...any) *StepError {
	se := newStepError(kind, format, args...)
	se.Expired = true
	return se
}

// Status returns the terminal status this failure produces.
func (e *StepError) Status() schemas.ExecutionStatus {
	if e.Expired {
		return schemas.StatusTimedOut
	}
	return schemas.StatusFailed
}

// classify maps an error escaping the driver or the wait subsystem to an
// ErrorKind. Deadline errors map to Timeout; unrecognised driver errors mean
// the session could not perform the action.
func classify(err error) schemas.ErrorKind {
	var se *StepError
	switch {
	case errors.As(err, &se):
		return se.Kind
	case errors.Is(err, context.Canceled):
		return schemas.ErrorKindCancelled
	case errors.Is(err, ErrUnsupportedSelector):
		return schemas.ErrorKindUnsupportedSelector
	case errors.Is(err, context.DeadlineExceeded):
		return schemas.ErrorKindTimeout
	case errors.Is(err, ErrStaleElement), errors.Is(err, ErrNoSuchFrame):
		return schemas.ErrorKindElementNotFound
	}
	return schemas.ErrorKindDriverUnavailable
}
