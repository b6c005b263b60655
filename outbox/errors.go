package outbox

import "errors"

var (
	ErrEventTypeRequired        = errors.New("event type is required")
	ErrHandlerNameRequired      = errors.New("handler name is required")
	ErrHandlerRequired          = errors.New("event handler is required")
	ErrHandlerAlreadyRegistered = errors.New("event handler already registered")
	ErrPayloadRequired          = errors.New("outbox event payload is required")
	ErrPayloadTooLarge          = errors.New("outbox event payload exceeds maximum allowed size")
	ErrPayloadNotJSON           = errors.New("outbox event payload must be valid JSON")
	ErrNoHandlers               = errors.New("no handlers registered for event type")
	ErrStoreRequired            = errors.New("outbox store is required")
	ErrRegistryRequired         = errors.New("outbox handler registry is required")
)
