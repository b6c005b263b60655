package outbox

import (
	"fmt"

	"github.com/forgefit/deferred/workitem"
)

// EventStatus is the stored status of an Event.
type EventStatus string

const (
	EventPending    EventStatus = "PENDING"
	EventProcessing EventStatus = "PROCESSING"
	EventProcessed  EventStatus = "PROCESSED"
	EventFailed     EventStatus = "FAILED"
)

// DeliveryStatus is the stored status of a Delivery.
type DeliveryStatus string

const (
	DeliveryPending    DeliveryStatus = "PENDING"
	DeliveryProcessing DeliveryStatus = "PROCESSING"
	DeliveryDelivered  DeliveryStatus = "DELIVERED"
	DeliveryFailed     DeliveryStatus = "FAILED"
)

var (
	EventCodec = workitem.Codec{
		Pending:    string(EventPending),
		Processing: string(EventProcessing),
		Succeeded:  string(EventProcessed),
		Failed:     string(EventFailed),
	}
	DeliveryCodec = workitem.Codec{
		Pending:    string(DeliveryPending),
		Processing: string(DeliveryProcessing),
		Succeeded:  string(DeliveryDelivered),
		Failed:     string(DeliveryFailed),
	}
)

func EventStatusOf(s workitem.State) EventStatus { return EventStatus(EventCodec.Encode(s)) }

func ParseEventStatus(raw string) (EventStatus, error) {
	if _, err := EventCodec.Decode(raw); err != nil {
		return "", fmt.Errorf("outbox event status: %w", err)
	}

	return EventStatus(raw), nil
}

func (s EventStatus) State() workitem.State {
	st, _ := EventCodec.Decode(string(s))
	return st
}

func DeliveryStatusOf(s workitem.State) DeliveryStatus {
	return DeliveryStatus(DeliveryCodec.Encode(s))
}

func ParseDeliveryStatus(raw string) (DeliveryStatus, error) {
	if _, err := DeliveryCodec.Decode(raw); err != nil {
		return "", fmt.Errorf("outbox delivery status: %w", err)
	}

	return DeliveryStatus(raw), nil
}

func (s DeliveryStatus) State() workitem.State {
	st, _ := DeliveryCodec.Decode(string(s))
	return st
}
