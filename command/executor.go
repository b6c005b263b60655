package command

import (
	"context"
	"time"

	"github.com/forgefit/deferred/workitem"
	"github.com/google/uuid"
)

// Store persists envelopes together with their execution log. Each method
// writes the envelope state and its log entry in one transaction.
type Store interface {
	ReleaseExpiredCommands(ctx context.Context, policy workitem.RetryPolicy, now time.Time, journal Journal) (int, error)
	ClaimDueCommands(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*Envelope, error)
	RenewCommand(ctx context.Context, env *Envelope, owner string, now time.Time, lease time.Duration) error
	SettleCommand(ctx context.Context, env *Envelope, owner string, outcome workitem.Outcome, entry LogEntry) error
}

// Executor adapts a Store and a Registry into the workitem.Queue and
// workitem.Handler a Runner needs, journaling every attempt.
type Executor struct {
	store    Store
	registry *Registry
}

var _ workitem.Queue[*Envelope] = (*Executor)(nil)

func NewExecutor(store Store, registry *Registry) (*Executor, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if registry == nil {
		return nil, ErrRegistryRequired
	}

	return &Executor{store: store, registry: registry}, nil
}

func (e *Executor) ReleaseExpired(ctx context.Context, policy workitem.RetryPolicy, now time.Time) (int, error) {
	return e.store.ReleaseExpiredCommands(ctx, policy, now, e.Journal)
}

func (e *Executor) ClaimDue(ctx context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*Envelope, error) {
	return e.store.ClaimDueCommands(ctx, owner, now, lease, limit)
}

func (e *Executor) Renew(ctx context.Context, env *Envelope, owner string, now time.Time, lease time.Duration) error {
	return e.store.RenewCommand(ctx, env, owner, now, lease)
}

func (e *Executor) Settle(ctx context.Context, env *Envelope, owner string, outcome workitem.Outcome) error {
	return e.store.SettleCommand(ctx, env, owner, outcome, e.Journal(env, ActionExecute, outcome))
}

// Execute is the workitem.Handler for envelopes.
func (e *Executor) Execute(ctx context.Context, env *Envelope) error {
	return e.registry.Handle(ctx, env)
}

// Journal builds the log entry for one attempt of env.
func (e *Executor) Journal(env *Envelope, action Action, outcome workitem.Outcome) LogEntry {
	return LogEntry{
		ID:          uuid.New(),
		EnvelopeID:  env.ID,
		Action:      action,
		Attempt:     env.Attempts,
		Status:      entryStatus(outcome),
		Error:       outcome.LastError,
		HandlerType: e.registry.HandlerType(env.CommandType),
		CreatedAt:   outcome.At,
	}
}
