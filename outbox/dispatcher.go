package outbox

import (
	"context"
	"fmt"
	"time"

	"github.com/forgefit/deferred/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const DefaultFanOutBatchSize = 100

// ResolveFunc returns the handler names an event type fans out to.
type ResolveFunc func(eventType string) ([]string, error)

// FanOutResult summarizes one fan-out cycle.
type FanOutResult struct {
	// Events is how many pending events were examined.
	Events int
	// Deliveries is how many new delivery rows were created.
	Deliveries int
	// Rejected is how many events failed because their type has no
	// handlers.
	Rejected int
}

// FanOutStore creates deliveries for events that have not been fanned out.
// Implementations do the whole cycle in one transaction, skip rows locked by
// concurrent cycles, and insert deliveries with conflict-ignore on
// (event_id, handler_name).
type FanOutStore interface {
	FanOut(ctx context.Context, now time.Time, limit int, resolve ResolveFunc) (FanOutResult, error)
}

// Dispatcher drives fan-out and executes deliveries through the Registry.
type Dispatcher struct {
	store     FanOutStore
	registry  *Registry
	logger    log.Logger
	tracer    trace.Tracer
	batchSize int
	now       func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

func WithLogger(l log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		if l != nil {
			d.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		if t != nil {
			d.tracer = t
		}
	}
}

func WithFanOutBatchSize(n int) DispatcherOption {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

func WithClock(now func() time.Time) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
	}
}

func NewDispatcher(store FanOutStore, registry *Registry, opts ...DispatcherOption) (*Dispatcher, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if registry == nil {
		return nil, ErrRegistryRequired
	}

	d := &Dispatcher{
		store:     store,
		registry:  registry,
		logger:    log.NewNop(),
		tracer:    noop.NewTracerProvider().Tracer("deferred.noop"),
		batchSize: DefaultFanOutBatchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	return d, nil
}

func (d *Dispatcher) Name() string { return "outbox_fanout" }

// Tick runs one fan-out cycle for the scheduler.
func (d *Dispatcher) Tick(ctx context.Context) (bool, error) {
	res, err := d.FanOut(ctx)

	return res.Events >= d.batchSize, err
}

// FanOut materializes deliveries for one batch of new events.
func (d *Dispatcher) FanOut(ctx context.Context) (FanOutResult, error) {
	ctx, span := d.tracer.Start(ctx, "outbox.fan_out")
	defer span.End()

	res, err := d.store.FanOut(ctx, d.now(), d.batchSize, d.registry.Resolve)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fan out")

		return res, fmt.Errorf("fan out outbox events: %w", err)
	}

	span.SetAttributes(
		attribute.Int("outbox.events", res.Events),
		attribute.Int("outbox.deliveries_created", res.Deliveries),
		attribute.Int("outbox.events_rejected", res.Rejected),
	)

	if res.Rejected > 0 {
		d.logger.Log(ctx, log.LevelError, "outbox events rejected: no handlers registered",
			log.Int("count", res.Rejected))
	}

	if res.Events > 0 {
		d.logger.Log(ctx, log.LevelDebug, "outbox events fanned out",
			log.Int("events", res.Events), log.Int("deliveries", res.Deliveries))
	}

	return res, nil
}

// Deliver is the workitem.Handler for deliveries.
func (d *Dispatcher) Deliver(ctx context.Context, del *Delivery) error {
	return d.registry.Handle(ctx, del)
}
