package notification

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/forgefit/deferred/workitem"
	"github.com/google/uuid"
)

// Message is what a channel handler receives.
type Message struct {
	ID            uuid.UUID
	Channel       Channel
	Type          string
	Recipient     string
	CorrelationID string
	Payload       []byte
	Attempt       int
}

// Handler sends one notification.
type Handler func(ctx context.Context, msg Message) error

type registryKey struct {
	channel Channel
	typ     string
}

// Registry maps (channel, notification type) to a Handler.
type Registry struct {
	mu       sync.RWMutex
	handlers map[registryKey]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[registryKey]Handler)}
}

func (r *Registry) Register(channel Channel, notificationType string, h Handler) error {
	if !channel.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidChannel, channel)
	}

	notificationType = strings.TrimSpace(notificationType)
	if notificationType == "" {
		return ErrTypeRequired
	}

	if h == nil {
		return ErrHandlerRequired
	}

	key := registryKey{channel: channel, typ: notificationType}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[key]; exists {
		return fmt.Errorf("%w: %s/%s", ErrHandlerAlreadyRegistered, channel, notificationType)
	}

	r.handlers[key] = h

	return nil
}

// Handle is the workitem.Handler for notifications. An unknown
// (channel, type) pair fails permanently.
func (r *Registry) Handle(ctx context.Context, n *Notification) error {
	r.mu.RLock()
	h, ok := r.handlers[registryKey{channel: n.Channel, typ: n.Type}]
	r.mu.RUnlock()

	if !ok {
		return workitem.Permanent(fmt.Errorf("%w: %s/%s", workitem.ErrHandlerNotFound, n.Channel, n.Type))
	}

	return h(ctx, Message{
		ID:            n.ID,
		Channel:       n.Channel,
		Type:          n.Type,
		Recipient:     n.Recipient,
		CorrelationID: n.CorrelationID,
		Payload:       n.Payload,
		Attempt:       n.Attempts,
	})
}
