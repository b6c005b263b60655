package workitem

import (
	"errors"
	"fmt"
)

// State is the shared lifecycle every flavor maps its own status onto.
type State uint8

const (
	StatePending State = iota + 1
	// StateProcessing means claimed by a worker under a lease.
	StateProcessing
	StateSucceeded
	StateFailed
)

// ErrInvalidState is returned when a status value cannot be decoded.
var ErrInvalidState = errors.New("invalid work item state")

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateProcessing:
		return "processing"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

func (s State) IsValid() bool {
	return s >= StatePending && s <= StateFailed
}

// IsTerminal reports whether no further automatic transition can happen.
func (s State) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// CanTransitionTo reports whether the worker may move an item from s to next.
func (s State) CanTransitionTo(next State) bool {
	switch s {
	case StatePending:
		return next == StateProcessing || next == StateFailed
	case StateProcessing:
		return next == StatePending || next == StateSucceeded || next == StateFailed
	case StateFailed:
		// operator requeue
		return next == StatePending
	default:
		return false
	}
}

// Codec maps a flavor's stored status text onto State and back.
type Codec struct {
	Pending    string
	Processing string
	Succeeded  string
	Failed     string
}

// Encode returns the stored text for s.
func (c Codec) Encode(s State) string {
	switch s {
	case StatePending:
		return c.Pending
	case StateProcessing:
		return c.Processing
	case StateSucceeded:
		return c.Succeeded
	case StateFailed:
		return c.Failed
	default:
		return ""
	}
}

// Decode parses stored text.
func (c Codec) Decode(raw string) (State, error) {
	switch raw {
	case c.Pending:
		return StatePending, nil
	case c.Processing:
		return StateProcessing, nil
	case c.Succeeded:
		return StateSucceeded, nil
	case c.Failed:
		return StateFailed, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidState, raw)
	}
}
