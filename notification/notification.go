// Package notification is the per-channel notification ledger. Business
// services enqueue a Notification only after checking the recipient's
// opt-in; the engine delivers what was enqueued, at most once per
// (channel, type, correlation, recipient) among live rows.
package notification

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/forgefit/deferred/workitem"
	"github.com/google/uuid"
)

// Channel is a closed set of delivery channels.
type Channel string

const ChannelEmail Channel = "EMAIL"

func (c Channel) IsValid() bool {
	return c == ChannelEmail
}

// ParseChannel accepts the stored form case-insensitively.
func ParseChannel(raw string) (Channel, error) {
	c := Channel(strings.ToUpper(strings.TrimSpace(raw)))
	if !c.IsValid() {
		return "", fmt.Errorf("%w: %q", ErrInvalidChannel, raw)
	}

	return c, nil
}

// Status is the stored status of a Notification.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusFailed     Status = "FAILED"
)

var Codec = workitem.Codec{
	Pending:    string(StatusPending),
	Processing: string(StatusProcessing),
	Succeeded:  string(StatusSent),
	Failed:     string(StatusFailed),
}

func StatusOf(s workitem.State) Status { return Status(Codec.Encode(s)) }

func ParseStatus(raw string) (Status, error) {
	if _, err := Codec.Decode(raw); err != nil {
		return "", fmt.Errorf("notification status: %w", err)
	}

	return Status(raw), nil
}

func (s Status) State() workitem.State {
	st, _ := Codec.Decode(string(s))
	return st
}

var (
	ErrInvalidChannel           = errors.New("invalid notification channel")
	ErrTypeRequired             = errors.New("notification type is required")
	ErrRecipientRequired        = errors.New("notification recipient is required")
	ErrHandlerRequired          = errors.New("notification handler is required")
	ErrHandlerAlreadyRegistered = errors.New("notification handler already registered")
)

// Notification is one message to one recipient on one channel.
type Notification struct {
	workitem.Item
	Channel   Channel
	Type      string
	Recipient string
	SentAt    *time.Time
}

func (n *Notification) WorkItem() *workitem.Item { return &n.Item }

func (n *Notification) Status() Status { return StatusOf(n.State) }

// Key is the de-duplication identity among non-deleted rows.
type Key struct {
	Channel       Channel
	Type          string
	CorrelationID string
	Recipient     string
}

func (n *Notification) Key() Key {
	return Key{Channel: n.Channel, Type: n.Type, CorrelationID: n.CorrelationID, Recipient: n.Recipient}
}

// New validates the inputs and returns a Pending notification.
func New(channel Channel, notificationType, recipient string, payload []byte, correlationID string, now time.Time) (*Notification, error) {
	if !channel.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}

	notificationType = strings.TrimSpace(notificationType)
	if notificationType == "" {
		return nil, ErrTypeRequired
	}

	recipient = strings.TrimSpace(recipient)
	if recipient == "" {
		return nil, ErrRecipientRequired
	}

	return &Notification{
		Item: workitem.Item{
			ID:            uuid.New(),
			CorrelationID: correlationID,
			Payload:       payload,
			State:         workitem.StatePending,
			CreatedAt:     now,
			UpdatedAt:     now,
		},
		Channel:   channel,
		Type:      notificationType,
		Recipient: recipient,
	}, nil
}
