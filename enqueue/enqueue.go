// Package enqueue is the write-side API business services call inside their
// own transaction. A work item exists after commit and never after rollback.
//
// Any enqueue failure rolls the caller's transaction back before returning,
// so a later Commit fails and no partial domain write survives.
package enqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/forgefit/deferred/command"
	"github.com/forgefit/deferred/correlation"
	"github.com/forgefit/deferred/log"
	"github.com/forgefit/deferred/notification"
	"github.com/forgefit/deferred/outbox"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

var (
	ErrEncodePayload  = errors.New("encode work item payload")
	ErrInvalidInput   = errors.New("invalid enqueue input")
	ErrWriterRequired = errors.New("enqueue writer is required")
)

// Tx is the caller's open transaction.
type Tx interface {
	Rollback() error
}

// Writer inserts work items through a caller-owned transaction.
type Writer[TX Tx] interface {
	InsertEvent(ctx context.Context, tx TX, event *outbox.Event) error
	// InsertNotification returns the id of the row that owns n's key and
	// whether n itself was inserted.
	InsertNotification(ctx context.Context, tx TX, n *notification.Notification) (uuid.UUID, bool, error)
	InsertCommand(ctx context.Context, tx TX, env *command.Envelope) error
}

// Result identifies the enqueued item. Deduplicated means an equivalent live
// item already existed and no row was written.
type Result struct {
	ID           uuid.UUID
	Deduplicated bool
}

type settings struct {
	logger log.Logger
	tracer trace.Tracer
	now    func() time.Time
}

type Option func(*settings)

func WithLogger(l log.Logger) Option {
	return func(s *settings) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *settings) {
		if t != nil {
			s.tracer = t
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *settings) {
		if now != nil {
			s.now = now
		}
	}
}

// Enqueuer writes work items for transactions of type TX.
type Enqueuer[TX Tx] struct {
	writer Writer[TX]
	cfg    settings
}

func New[TX Tx](w Writer[TX], opts ...Option) (*Enqueuer[TX], error) {
	if w == nil {
		return nil, ErrWriterRequired
	}

	cfg := settings{
		logger: log.NewNop(),
		tracer: noop.NewTracerProvider().Tracer("deferred.noop"),
		now:    func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	return &Enqueuer[TX]{writer: w, cfg: cfg}, nil
}

// EnqueueOutboxEvent records an event of eventType for fan-out.
func (e *Enqueuer[TX]) EnqueueOutboxEvent(ctx context.Context, tx TX, eventType string, payload any, correlationID string) (Result, error) {
	ctx, span := e.cfg.tracer.Start(ctx, "enqueue.outbox_event", trace.WithAttributes(attribute.String("outbox.event_type", eventType)))
	defer span.End()

	body, err := encode(payload)
	if err != nil {
		return Result{}, e.abort(ctx, span, tx, err)
	}

	event, err := outbox.NewEvent(uuid.New(), eventType, body, correlation.Resolve(ctx, correlationID), e.cfg.now())
	if err != nil {
		return Result{}, e.abort(ctx, span, tx, fmt.Errorf("%w: %w", ErrInvalidInput, err))
	}

	if err := e.writer.InsertEvent(ctx, tx, event); err != nil {
		return Result{}, e.abort(ctx, span, tx, fmt.Errorf("insert outbox event: %w", err))
	}

	return Result{ID: event.ID}, nil
}

// EnqueueNotification records a notification. A live notification with the
// same (channel, type, correlation, recipient) absorbs the call.
func (e *Enqueuer[TX]) EnqueueNotification(
	ctx context.Context,
	tx TX,
	channel notification.Channel,
	notificationType, recipient string,
	payload any,
	correlationID string,
) (Result, error) {
	ctx, span := e.cfg.tracer.Start(ctx, "enqueue.notification", trace.WithAttributes(
		attribute.String("notification.channel", string(channel)),
		attribute.String("notification.type", notificationType),
	))
	defer span.End()

	body, err := encode(payload)
	if err != nil {
		return Result{}, e.abort(ctx, span, tx, err)
	}

	n, err := notification.New(channel, notificationType, recipient, body, correlation.Resolve(ctx, correlationID), e.cfg.now())
	if err != nil {
		return Result{}, e.abort(ctx, span, tx, fmt.Errorf("%w: %w", ErrInvalidInput, err))
	}

	id, inserted, err := e.writer.InsertNotification(ctx, tx, n)
	if err != nil {
		return Result{}, e.abort(ctx, span, tx, fmt.Errorf("insert notification: %w", err))
	}

	if !inserted {
		span.SetAttributes(attribute.Bool("notification.deduplicated", true))
		e.cfg.logger.Log(ctx, log.LevelDebug, "notification already enqueued",
			log.String("notification_id", id.String()),
			log.String("type", n.Type),
			log.String("correlation_id", n.CorrelationID))
	}

	return Result{ID: id, Deduplicated: !inserted}, nil
}

// EnqueueCommand records a command envelope for commandType.
func (e *Enqueuer[TX]) EnqueueCommand(ctx context.Context, tx TX, commandType string, payload any, correlationID string) (Result, error) {
	ctx, span := e.cfg.tracer.Start(ctx, "enqueue.command", trace.WithAttributes(attribute.String("command.type", commandType)))
	defer span.End()

	body, err := encode(payload)
	if err != nil {
		return Result{}, e.abort(ctx, span, tx, err)
	}

	env, err := command.NewEnvelope(commandType, body, correlation.Resolve(ctx, correlationID), e.cfg.now())
	if err != nil {
		return Result{}, e.abort(ctx, span, tx, fmt.Errorf("%w: %w", ErrInvalidInput, err))
	}

	if err := e.writer.InsertCommand(ctx, tx, env); err != nil {
		return Result{}, e.abort(ctx, span, tx, fmt.Errorf("insert command envelope: %w", err))
	}

	return Result{ID: env.ID}, nil
}

func (e *Enqueuer[TX]) abort(ctx context.Context, span trace.Span, tx TX, cause error) error {
	span.RecordError(cause)
	span.SetStatus(codes.Error, "enqueue failed")

	if rbErr := tx.Rollback(); rbErr != nil {
		e.cfg.logger.Log(ctx, log.LevelWarn, "rollback after enqueue failure", log.Err(rbErr))
	}

	e.cfg.logger.Log(ctx, log.LevelError, "enqueue failed, caller transaction rolled back", log.Err(cause))

	return cause
}

// encode serializes payload as JSON. Raw bytes are passed through when they
// already hold valid JSON.
func encode(payload any) ([]byte, error) {
	switch p := payload.(type) {
	case json.RawMessage:
		return validRaw(p)
	case []byte:
		return validRaw(p)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrEncodePayload, err)
	}

	return body, nil
}

func validRaw(b []byte) ([]byte, error) {
	if !json.Valid(b) {
		return nil, fmt.Errorf("%w: raw payload is not valid JSON", ErrEncodePayload)
	}

	return b, nil
}
