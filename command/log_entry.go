package command

import (
	"time"

	"github.com/forgefit/deferred/workitem"
	"github.com/google/uuid"
)

// Action names what produced a log entry.
type Action string

const (
	ActionExecute      Action = "EXECUTE"
	ActionLeaseExpired Action = "LEASE_EXPIRED"
)

// EntryStatus is the result of the logged attempt.
type EntryStatus string

const (
	EntrySucceeded EntryStatus = "SUCCEEDED"
	EntryRetry     EntryStatus = "RETRY"
	EntryFailed    EntryStatus = "FAILED"
)

// UnresolvedHandlerType is logged when no handler is registered for the
// envelope's command type.
const UnresolvedHandlerType = "unresolved"

// LogEntry is one append-only execution log row.
type LogEntry struct {
	ID          uuid.UUID
	EnvelopeID  uuid.UUID
	Action      Action
	Attempt     int
	Status      EntryStatus
	Error       string
	HandlerType string
	CreatedAt   time.Time
}

// Journal builds the log entry for an attempt outcome.
type Journal func(env *Envelope, action Action, outcome workitem.Outcome) LogEntry

func entryStatus(o workitem.Outcome) EntryStatus {
	switch o.State {
	case workitem.StateSucceeded:
		return EntrySucceeded
	case workitem.StatePending:
		return EntryRetry
	default:
		return EntryFailed
	}
}
