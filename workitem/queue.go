package workitem

import (
	"context"
	"time"
)

// Queue is the storage contract the Runner drives for one flavor.
type Queue[T Record] interface {
	// ReleaseExpired returns lapsed Processing claims to Pending, or fails
	// them when the policy says no attempts remain. It returns how many
	// items were released.
	ReleaseExpired(ctx context.Context, policy RetryPolicy, now time.Time) (int, error)
	// ClaimDue atomically claims up to limit due items for owner. An item is
	// only claimed if it is still Pending at claim time.
	ClaimDue(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]T, error)
	// Renew pushes the lease of a claimed item to now+lease. It returns
	// ErrLeaseLost when the item is no longer Processing under owner, in
	// which case the caller must not run the handler.
	Renew(ctx context.Context, item T, owner string, now time.Time, lease time.Duration) error
	// Settle persists the outcome of one attempt. It returns ErrLeaseLost when
	// the item is no longer Processing under owner.
	Settle(ctx context.Context, item T, owner string, outcome Outcome) error
}

// Handler executes one claimed item.
type Handler[T Record] func(ctx context.Context, item T) error
