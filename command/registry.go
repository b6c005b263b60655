package command

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/forgefit/deferred/workitem"
)

type entry struct {
	handlerType string
	run         func(ctx context.Context, payload []byte) error
}

// Registry maps command type names to decode+handle functions.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]entry
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]entry)}
}

// Register binds commandType to fn. The payload is decoded into T with
// unknown fields rejected; a payload that does not decode fails permanently.
func Register[T any](r *Registry, commandType string, fn func(ctx context.Context, cmd T) error) error {
	commandType = strings.TrimSpace(commandType)
	if commandType == "" {
		return ErrCommandTypeRequired
	}

	if fn == nil {
		return ErrHandlerRequired
	}

	var zero T

	e := entry{
		handlerType: fmt.Sprintf("%T", zero),
		run: func(ctx context.Context, payload []byte) error {
			var cmd T

			dec := json.NewDecoder(bytes.NewReader(payload))
			dec.DisallowUnknownFields()

			if err := dec.Decode(&cmd); err != nil {
				return workitem.Permanentf("decode %s payload: %w", commandType, err)
			}

			return fn(ctx, cmd)
		},
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[commandType]; exists {
		return fmt.Errorf("%w: %s", ErrHandlerAlreadyRegistered, commandType)
	}

	r.handlers[commandType] = e

	return nil
}

// HandlerType names the Go type a command type decodes into, or
// UnresolvedHandlerType.
func (r *Registry) HandlerType(commandType string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.handlers[commandType]; ok {
		return e.handlerType
	}

	return UnresolvedHandlerType
}

// Handle decodes and runs env.
func (r *Registry) Handle(ctx context.Context, env *Envelope) error {
	r.mu.RLock()
	e, ok := r.handlers[env.CommandType]
	r.mu.RUnlock()

	if !ok {
		return workitem.Permanent(fmt.Errorf("%w: %q", workitem.ErrHandlerNotFound, env.CommandType))
	}

	return e.run(ctx, env.Payload)
}
