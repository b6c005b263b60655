package workitem

import (
	"errors"
	"fmt"
	"time"

	"github.com/forgefit/deferred/backoff"
)

const (
	DefaultMaxAttempts    = 8
	DefaultBackoffBase    = 2 * time.Second
	DefaultBackoffMax     = 15 * time.Minute
	DefaultHandlerTimeout = 30 * time.Second
	DefaultLease          = 2 * time.Minute
)

// RetryPolicy decides what happens after each attempt.
type RetryPolicy struct {
	// MaxAttempts is the attempt count after which a failing item becomes
	// terminally Failed.
	MaxAttempts int
	Backoff     backoff.Policy
	// HandlerTimeout bounds one handler invocation.
	HandlerTimeout time.Duration
	// Lease bounds how long a claim is honored. It must exceed
	// HandlerTimeout, otherwise live claims would be reclaimed.
	Lease      time.Duration
	Classifier Classifier
}

// DefaultRetryPolicy returns the engine defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		Backoff:        backoff.Policy{Base: DefaultBackoffBase, Max: DefaultBackoffMax},
		HandlerTimeout: DefaultHandlerTimeout,
		Lease:          DefaultLease,
	}
}

func (p RetryPolicy) Validate() error {
	var errs []error

	if p.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("max attempts must be at least 1, got %d", p.MaxAttempts))
	}

	if err := p.Backoff.Validate(); err != nil {
		errs = append(errs, err)
	}

	if p.HandlerTimeout <= 0 {
		errs = append(errs, fmt.Errorf("handler timeout must be positive, got %s", p.HandlerTimeout))
	}

	if p.Lease <= p.HandlerTimeout {
		errs = append(errs, fmt.Errorf("lease %s must exceed handler timeout %s", p.Lease, p.HandlerTimeout))
	}

	return errors.Join(errs...)
}

// Outcome is the settled result of one attempt.
type Outcome struct {
	State State
	// NextAttemptAt is set only when State is StatePending.
	NextAttemptAt *time.Time
	LastError     string
	Permanent     bool
	At            time.Time
}

// Retrying reports whether the item goes back to the queue.
func (o Outcome) Retrying() bool {
	return o.State == StatePending
}

// Decide computes the outcome of an attempt on item that returned err at
// now. item.Attempts already counts the attempt being decided.
func (p RetryPolicy) Decide(item *Item, err error, now time.Time) Outcome {
	if err == nil {
		return Outcome{State: StateSucceeded, At: now}
	}

	out := Outcome{
		State:     StateFailed,
		LastError: SanitizeError(err),
		At:        now,
	}

	if IsPermanent(err) || (p.Classifier != nil && p.Classifier.IsPermanent(err)) {
		out.Permanent = true

		return out
	}

	if item.Attempts >= p.MaxAttempts {
		return out
	}

	next := now.Add(p.Backoff.Delay(item.Attempts))
	if item.NextAttemptAt != nil && next.Before(*item.NextAttemptAt) {
		next = *item.NextAttemptAt
	}

	out.State = StatePending
	out.NextAttemptAt = &next

	return out
}

// Expire computes the outcome for a claim whose lease lapsed without a
// settle.
func (p RetryPolicy) Expire(item *Item, now time.Time) Outcome {
	return p.Decide(item, fmt.Errorf("lease held by %q expired before settle", item.LeaseOwner), now)
}
