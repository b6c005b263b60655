package memory

import (
	"context"
	"time"

	"github.com/forgefit/deferred/command"
	"github.com/forgefit/deferred/workitem"
	"github.com/google/uuid"
)

var _ command.Store = (*Store)(nil)

func (s *Store) ReleaseExpiredCommands(_ context.Context, policy workitem.RetryPolicy, now time.Time, journal command.Journal) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0

	for _, id := range s.cmdOrder {
		env := s.commands[id]
		if !env.LeaseExpired(now) {
			continue
		}

		outcome := policy.Expire(&env.Item, now)
		s.executions = append(s.executions, journal(env, command.ActionLeaseExpired, outcome))
		env.Apply(outcome)
		n++
	}

	return n, nil
}

func (s *Store) ClaimDueCommands(_ context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*command.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return claimDue(s.cmdOrder, s.commands, cloneEnvelope, owner, now, lease, limit), nil
}

func (s *Store) RenewCommand(_ context.Context, item *command.Envelope, owner string, now time.Time, lease time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return renewLease(s.commands, item.ID, owner, now, lease)
}

func (s *Store) SettleCommand(_ context.Context, item *command.Envelope, owner string, o workitem.Outcome, entry command.LogEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := s.commands[item.ID]
	if !ok {
		return workitem.ErrNotFound
	}

	if err := held(&env.Item, owner); err != nil {
		return err
	}

	env.Apply(o)

	if o.State == workitem.StateSucceeded {
		env.CompletedAt = cloneTime(&o.At)
	}

	s.executions = append(s.executions, entry)

	return nil
}

// Envelope returns a copy of the envelope with id.
func (s *Store) Envelope(id uuid.UUID) (*command.Envelope, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	env, ok := s.commands[id]
	if !ok {
		return nil, false
	}

	return cloneEnvelope(env), true
}

// ExecutionLog returns the log entries of one envelope in append order.
func (s *Store) ExecutionLog(_ context.Context, envelopeID uuid.UUID) ([]command.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []command.LogEntry

	for _, e := range s.executions {
		if e.EnvelopeID == envelopeID {
			out = append(out, e)
		}
	}

	return out, nil
}
