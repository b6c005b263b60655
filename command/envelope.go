package command

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/forgefit/deferred/workitem"
	"github.com/google/uuid"
)

// Status is the stored status of an Envelope.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

var Codec = workitem.Codec{
	Pending:    string(StatusPending),
	Processing: string(StatusProcessing),
	Succeeded:  string(StatusCompleted),
	Failed:     string(StatusFailed),
}

func StatusOf(s workitem.State) Status { return Status(Codec.Encode(s)) }

func ParseStatus(raw string) (Status, error) {
	if _, err := Codec.Decode(raw); err != nil {
		return "", fmt.Errorf("command status: %w", err)
	}

	return Status(raw), nil
}

func (s Status) State() workitem.State {
	st, _ := Codec.Decode(string(s))
	return st
}

var (
	ErrCommandTypeRequired      = errors.New("command type is required")
	ErrHandlerRequired          = errors.New("command handler is required")
	ErrHandlerAlreadyRegistered = errors.New("command handler already registered")
	ErrStoreRequired            = errors.New("command store is required")
	ErrRegistryRequired         = errors.New("command registry is required")
)

// Envelope is a deferred command.
type Envelope struct {
	workitem.Item
	CommandType string
	// CompletedAt is set only on terminal success.
	CompletedAt *time.Time
}

func (e *Envelope) WorkItem() *workitem.Item { return &e.Item }

func (e *Envelope) Status() Status { return StatusOf(e.State) }

// NewEnvelope returns a Pending envelope for commandType.
func NewEnvelope(commandType string, payload []byte, correlationID string, now time.Time) (*Envelope, error) {
	commandType = strings.TrimSpace(commandType)
	if commandType == "" {
		return nil, ErrCommandTypeRequired
	}

	return &Envelope{
		Item: workitem.Item{
			ID:            uuid.New(),
			CorrelationID: correlationID,
			Payload:       payload,
			State:         workitem.StatePending,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		CommandType: commandType,
	}, nil
}
