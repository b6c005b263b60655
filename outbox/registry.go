package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/forgefit/deferred/workitem"
	"github.com/google/uuid"
)

// Message is what a handler receives for one delivery attempt.
type Message struct {
	EventID       uuid.UUID
	DeliveryID    uuid.UUID
	EventType     string
	CorrelationID string
	Payload       []byte
	Attempt       int
}

// Handler processes one delivery. Return workitem.Permanent(err) for
// failures that must not be retried.
type Handler func(ctx context.Context, msg Message) error

type namedHandler struct {
	name    string
	handler Handler
}

// Registry maps event types to their ordered set of named handlers. Register
// everything at startup; the set per type is what fan-out materializes.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string][]namedHandler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string][]namedHandler)}
}

// Register adds handlerName as a subscriber of eventType.
func (r *Registry) Register(eventType, handlerName string, h Handler) error {
	eventType = strings.TrimSpace(eventType)
	handlerName = strings.TrimSpace(handlerName)

	switch {
	case eventType == "":
		return ErrEventTypeRequired
	case handlerName == "":
		return ErrHandlerNameRequired
	case h == nil:
		return ErrHandlerRequired
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, existing := range r.handlers[eventType] {
		if existing.name == handlerName {
			return fmt.Errorf("%w: %s/%s", ErrHandlerAlreadyRegistered, eventType, handlerName)
		}
	}

	r.handlers[eventType] = append(r.handlers[eventType], namedHandler{name: handlerName, handler: h})

	return nil
}

// HandlerNames returns the subscribers of eventType in registration order.
func (r *Registry) HandlerNames(eventType string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	hs := r.handlers[strings.TrimSpace(eventType)]

	names := make([]string, len(hs))
	for i, h := range hs {
		names[i] = h.name
	}

	return names
}

// Resolve is the fan-out resolver: the handler names for eventType, or a
// permanent error when nobody subscribes.
func (r *Registry) Resolve(eventType string) ([]string, error) {
	names := r.HandlerNames(eventType)
	if len(names) == 0 {
		return nil, workitem.Permanent(fmt.Errorf("%w %q", ErrNoHandlers, eventType))
	}

	return names, nil
}

// Handle runs the handler a delivery was created for.
func (r *Registry) Handle(ctx context.Context, d *Delivery) error {
	r.mu.RLock()

	var h Handler

	for _, nh := range r.handlers[d.EventType] {
		if nh.name == d.HandlerName {
			h = nh.handler
			break
		}
	}

	r.mu.RUnlock()

	if h == nil {
		return workitem.Permanent(fmt.Errorf("%w: %s/%s", workitem.ErrHandlerNotFound, d.EventType, d.HandlerName))
	}

	return h(ctx, Message{
		EventID:       d.EventID,
		DeliveryID:    d.ID,
		EventType:     d.EventType,
		CorrelationID: d.CorrelationID,
		Payload:       d.Payload,
		Attempt:       d.Attempts,
	})
}

// ResolveHandlers applies resolve and treats an empty handler set the same
// as an unknown event type.
func ResolveHandlers(resolve ResolveFunc, eventType string) ([]string, error) {
	names, err := resolve(eventType)
	if err != nil {
		return nil, err
	}

	if len(names) == 0 {
		return nil, workitem.Permanent(fmt.Errorf("%w %q", ErrNoHandlers, eventType))
	}

	return names, nil
}
