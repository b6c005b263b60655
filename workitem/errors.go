package workitem

import (
	"errors"
	"fmt"
)

var (
	// ErrLeaseLost is returned by Settle when the item is no longer held by
	// the settling worker.
	ErrLeaseLost = errors.New("work item lease lost")
	// ErrHandlerNotFound is the permanent failure recorded for an unknown key.
	ErrHandlerNotFound = errors.New("handler not found")
	ErrHandlerTimeout  = errors.New("handler timed out")
	ErrNotFound        = errors.New("work item not found")
	ErrNotFailed       = errors.New("work item is not in failed state")
	ErrQueueRequired   = errors.New("work item queue is required")
	ErrHandlerRequired = errors.New("work item handler is required")
)

// PermanentError marks a failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	if e == nil || e.Err == nil {
		return "permanent failure"
	}

	return e.Err.Error()
}

func (e *PermanentError) Unwrap() error {
	if e == nil {
		return nil
	}

	return e.Err
}

// Permanent wraps err so the retry policy fails the item immediately.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &PermanentError{Err: err}
}

// Permanentf is Permanent(fmt.Errorf(format, args...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err carries a PermanentError.
func IsPermanent(err error) bool {
	var p *PermanentError

	return errors.As(err, &p)
}

// Classifier lets callers mark additional errors as permanent.
type Classifier interface {
	IsPermanent(err error) bool
}

type ClassifierFunc func(err error) bool

func (fn ClassifierFunc) IsPermanent(err error) bool {
	if fn == nil {
		return false
	}

	return fn(err)
}
