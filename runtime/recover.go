package runtime

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"

	"github.com/forgefit/deferred/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrPanic is wrapped by errors produced from recovered panics.
var ErrPanic = errors.New("panic recovered")

// RecoverAndLog recovers a panic, logs it with its stack and records it on
// the active span. Use it directly in a defer statement.
//
//	defer runtime.RecoverAndLog(ctx, logger, "scheduler", "poller")
func RecoverAndLog(ctx context.Context, logger log.Logger, component, name string) {
	if r := recover(); r != nil {
		HandlePanicValue(ctx, logger, r, component, name)
	}
}

// HandlePanicValue logs and records a value that was already recovered.
func HandlePanicValue(ctx context.Context, logger log.Logger, value any, component, name string) {
	if value == nil {
		return
	}

	stack := debug.Stack()

	log.OrNop(logger).Log(ctx, log.LevelError, "panic recovered",
		log.String("component", component),
		log.String("source", name),
		log.Any("panic", value),
		log.String("stack", string(stack)),
	)

	recordPanicOnSpan(ctx, value, component, name)
}

// SafeGo runs fn in a new goroutine that cannot crash the process.
func SafeGo(ctx context.Context, logger log.Logger, component, name string, fn func()) {
	go func() {
		defer RecoverAndLog(ctx, logger, component, name)

		fn()
	}()
}

// Call runs fn and converts a panic into an error wrapping ErrPanic.
func Call(ctx context.Context, logger log.Logger, component, name string, fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			HandlePanicValue(ctx, logger, r, component, name)

			err = fmt.Errorf("%w: %v", ErrPanic, r)
		}
	}()

	return fn()
}

func recordPanicOnSpan(ctx context.Context, value any, component, name string) {
	if ctx == nil {
		return
	}

	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	span.AddEvent("panic.recovered", trace.WithAttributes(
		attribute.String("panic.component", component),
		attribute.String("panic.source", name),
		attribute.String("panic.value", fmt.Sprint(value)),
	))
	span.SetStatus(codes.Error, "panic recovered")
}
