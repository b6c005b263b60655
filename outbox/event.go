package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/forgefit/deferred/workitem"
	"github.com/google/uuid"
)

// DefaultMaxPayloadBytes bounds the serialized payload of one event.
const DefaultMaxPayloadBytes = 1 << 20

// Event is an outbox row. Its State is derived from its deliveries once it
// has been fanned out.
type Event struct {
	workitem.Item
	EventType   string
	FannedOutAt *time.Time
}

func (e *Event) WorkItem() *workitem.Item { return &e.Item }

func (e *Event) Status() EventStatus { return EventStatusOf(e.State) }

// NewEvent validates the inputs and returns a Pending event.
func NewEvent(id uuid.UUID, eventType string, payload []byte, correlationID string, now time.Time) (*Event, error) {
	eventType = strings.TrimSpace(eventType)
	if eventType == "" {
		return nil, ErrEventTypeRequired
	}

	if err := validatePayload(payload); err != nil {
		return nil, err
	}

	if id == uuid.Nil {
		id = uuid.New()
	}

	return &Event{
		Item: workitem.Item{
			ID:            id,
			CorrelationID: correlationID,
			Payload:       payload,
			State:         workitem.StatePending,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		EventType: eventType,
	}, nil
}

func validatePayload(payload []byte) error {
	if len(payload) == 0 {
		return ErrPayloadRequired
	}

	if len(payload) > DefaultMaxPayloadBytes {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}

	if !json.Valid(payload) {
		return ErrPayloadNotJSON
	}

	return nil
}

// Delivery tracks one handler's processing of one event.
type Delivery struct {
	workitem.Item
	EventID     uuid.UUID
	HandlerName string
	// EventType is read from the owning event when the delivery is claimed.
	EventType string
}

func (d *Delivery) WorkItem() *workitem.Item { return &d.Item }

func (d *Delivery) Status() DeliveryStatus { return DeliveryStatusOf(d.State) }

// NewDelivery returns the Pending delivery of event to handlerName. The
// delivery inherits the event's payload and correlation id.
func NewDelivery(event *Event, handlerName string, now time.Time) *Delivery {
	return &Delivery{
		Item: workitem.Item{
			ID:            uuid.New(),
			CorrelationID: event.CorrelationID,
			Payload:       event.Payload,
			State:         workitem.StatePending,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		EventID:     event.ID,
		HandlerName: handlerName,
		EventType:   event.EventType,
	}
}

// Settlement summarizes an event's deliveries; SettleEvent uses it to derive
// the event's state.
type Settlement struct {
	Total  int
	Open   int
	Failed int
}

// SettleEvent returns the state and last error an event should carry given
// its deliveries. ok is false while any delivery is still in flight.
func SettleEvent(s Settlement) (state workitem.State, lastError string, ok bool) {
	if s.Open > 0 || s.Total == 0 {
		return workitem.StatePending, "", false
	}

	if s.Failed > 0 {
		return workitem.StateSucceeded, fmt.Sprintf("%d of %d deliveries failed", s.Failed, s.Total), true
	}

	return workitem.StateSucceeded, "", true
}
