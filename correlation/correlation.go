// Package correlation carries the identifier that links every work item
// spawned by one business operation.
package correlation

import (
	"context"
	"os"
	"strings"

	"github.com/oklog/ulid/v2"
)

type contextKey struct{}

// New returns a fresh, lexically sortable identifier.
func New() string {
	return ulid.Make().String()
}

// FromContext returns the correlation id stored in ctx, if any.
func FromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}

	if id, ok := ctx.Value(contextKey{}).(string); ok {
		return id
	}

	return ""
}

// WithID stores id in ctx. An empty id leaves ctx unchanged.
func WithID(ctx context.Context, id string) context.Context {
	if strings.TrimSpace(id) == "" {
		return ctx
	}

	return context.WithValue(ctx, contextKey{}, id)
}

// Resolve picks the explicit id, then the one in ctx, then a new one.
func Resolve(ctx context.Context, explicit string) string {
	if id := strings.TrimSpace(explicit); id != "" {
		return id
	}

	if id := FromContext(ctx); id != "" {
		return id
	}

	return New()
}

// WorkerID names a worker process for lease ownership: host name plus a
// ULID so restarts never reuse a previous owner.
func WorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}

	return host + "-" + New()
}
