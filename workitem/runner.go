package workitem

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/forgefit/deferred/correlation"
	"github.com/forgefit/deferred/log"
	"github.com/forgefit/deferred/runtime"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

const (
	DefaultBatchSize = 50
	settleTimeout    = 10 * time.Second
)

// CycleResult summarizes one RunOnce call.
type CycleResult struct {
	Released     int
	Claimed      int
	Succeeded    int
	Retried      int
	Failed       int
	LeaseLost    int
	RenewFailed  int
	SettleFailed int
}

type runnerSettings struct {
	policy        RetryPolicy
	owner         string
	batchSize     int
	logger        log.Logger
	tracer        trace.Tracer
	meterProvider metric.MeterProvider
	now           func() time.Time
}

// Option configures a Runner.
type Option func(*runnerSettings)

func WithPolicy(p RetryPolicy) Option {
	return func(s *runnerSettings) { s.policy = p }
}

// WithOwner sets the lease owner recorded on claimed rows.
func WithOwner(owner string) Option {
	return func(s *runnerSettings) {
		if owner != "" {
			s.owner = owner
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *runnerSettings) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

func WithLogger(l log.Logger) Option {
	return func(s *runnerSettings) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithTracer(t trace.Tracer) Option {
	return func(s *runnerSettings) {
		if t != nil {
			s.tracer = t
		}
	}
}

func WithMeterProvider(p metric.MeterProvider) Option {
	return func(s *runnerSettings) { s.meterProvider = p }
}

// WithClock overrides time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(s *runnerSettings) {
		if now != nil {
			s.now = now
		}
	}
}

// Runner claims due items of one flavor, runs them through a handler and
// settles the outcome. It is safe to run several Runners against the same
// queue, in one process or many.
type Runner[T Record] struct {
	kind    Kind
	queue   Queue[T]
	handle  Handler[T]
	cfg     runnerSettings
	metrics *runnerMetrics
}

// NewRunner builds a Runner for kind.
func NewRunner[T Record](kind Kind, queue Queue[T], handle Handler[T], opts ...Option) (*Runner[T], error) {
	if queue == nil {
		return nil, ErrQueueRequired
	}

	if handle == nil {
		return nil, ErrHandlerRequired
	}

	cfg := runnerSettings{
		policy:    DefaultRetryPolicy(),
		batchSize: DefaultBatchSize,
		logger:    log.NewNop(),
		tracer:    noop.NewTracerProvider().Tracer("deferred.noop"),
		now:       func() time.Time { return time.Now().UTC() },
	}

	for _, opt := range opts {
		if opt != nil {
			opt(&cfg)
		}
	}

	if cfg.owner == "" {
		cfg.owner = correlation.WorkerID()
	}

	if err := cfg.policy.Validate(); err != nil {
		return nil, fmt.Errorf("%s runner: %w", kind, err)
	}

	m, err := newRunnerMetrics(cfg.meterProvider, kind)
	if err != nil {
		return nil, err
	}

	return &Runner[T]{
		kind:    kind,
		queue:   queue,
		handle:  handle,
		cfg:     cfg,
		metrics: m,
	}, nil
}

func (r *Runner[T]) Name() string { return string(r.kind) }

func (r *Runner[T]) Owner() string { return r.cfg.owner }

// Tick runs one cycle and reports whether the batch came back full, meaning
// more due work is probably waiting.
func (r *Runner[T]) Tick(ctx context.Context) (bool, error) {
	res, err := r.RunOnce(ctx)

	return res.Claimed >= r.cfg.batchSize, err
}

// RunOnce releases lapsed claims, claims one batch and processes it in
// order. Each item's lease is renewed right before its handler runs, so a
// long batch never works on rows another poller has already released. Items
// claimed but not started before ctx is done are abandoned and come back
// once their lease expires.
func (r *Runner[T]) RunOnce(ctx context.Context) (CycleResult, error) {
	var res CycleResult

	ctx, span := r.cfg.tracer.Start(ctx, "workitem.run_once",
		trace.WithAttributes(attribute.String("work_item.kind", string(r.kind))))
	defer span.End()

	now := r.cfg.now()

	released, err := r.queue.ReleaseExpired(ctx, r.cfg.policy, now)
	if err != nil {
		handleSpanError(span, "release expired claims", err)

		return res, fmt.Errorf("release expired %s claims: %w", r.kind, err)
	}

	res.Released = released
	if released > 0 {
		r.metrics.released.Add(ctx, int64(released), r.metrics.kindAttr)
		r.cfg.logger.Log(ctx, log.LevelWarn, "released expired claims",
			log.String("kind", string(r.kind)), log.Int("count", released))
	}

	items, err := r.queue.ClaimDue(ctx, r.cfg.owner, now, r.cfg.policy.Lease, r.cfg.batchSize)
	if err != nil {
		handleSpanError(span, "claim due items", err)

		return res, fmt.Errorf("claim due %s items: %w", r.kind, err)
	}

	res.Claimed = len(items)
	r.metrics.claimed.Add(ctx, int64(len(items)), r.metrics.kindAttr)

	for _, item := range items {
		if ctx.Err() != nil {
			break
		}

		r.process(ctx, item, &res)
	}

	span.SetAttributes(
		attribute.Int("work_item.claimed", res.Claimed),
		attribute.Int("work_item.failed", res.Failed),
	)

	return res, nil
}

func (r *Runner[T]) process(ctx context.Context, item T, res *CycleResult) {
	wi := item.WorkItem()

	ctx, span := r.cfg.tracer.Start(ctx, "workitem.process", trace.WithAttributes(
		attribute.String("work_item.kind", string(r.kind)),
		attribute.String("work_item.id", wi.ID.String()),
		attribute.Int("work_item.attempt", wi.Attempts),
	))
	defer span.End()

	ctx = correlation.WithID(ctx, wi.CorrelationID)

	fields := []log.Field{
		log.String("kind", string(r.kind)),
		log.String("item_id", wi.ID.String()),
		log.String("correlation_id", wi.CorrelationID),
		log.Int("attempt", wi.Attempts),
	}

	if !r.renew(ctx, span, item, res, fields) {
		return
	}

	started := time.Now()
	err := r.invoke(ctx, item)
	r.metrics.duration.Record(ctx, time.Since(started).Seconds(), r.metrics.kindAttr)

	outcome := r.cfg.policy.Decide(wi, err, r.cfg.now())

	// settle even when ctx was cancelled mid-handler so the attempt is kept
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if serr := r.queue.Settle(sctx, item, r.cfg.owner, outcome); serr != nil {
		if errors.Is(serr, ErrLeaseLost) {
			res.LeaseLost++
			r.metrics.leaseLost.Add(ctx, 1, r.metrics.kindAttr)
			r.cfg.logger.Log(ctx, log.LevelWarn, "claim lost before settle", fields...)

			return
		}

		res.SettleFailed++
		handleSpanError(span, "settle outcome", serr)
		r.cfg.logger.Log(ctx, log.LevelError, "failed to settle work item", append(fields, log.Err(serr))...)

		return
	}

	wi.Apply(outcome)
	r.metrics.recordOutcome(ctx, outcome)

	switch outcome.State {
	case StateSucceeded:
		res.Succeeded++
		r.cfg.logger.Log(ctx, log.LevelDebug, "work item succeeded", fields...)
	case StatePending:
		res.Retried++
		r.cfg.logger.Log(ctx, log.LevelWarn, "work item attempt failed, retry scheduled",
			append(fields, log.Err(err), log.String("next_attempt_at", outcome.NextAttemptAt.Format(time.RFC3339)))...)
	case StateFailed:
		res.Failed++
		handleSpanError(span, "work item failed", err)
		r.cfg.logger.Log(ctx, log.LevelError, "work item failed terminally",
			append(fields, log.Err(err), log.Bool("permanent", outcome.Permanent))...)
	}
}

// renew extends the claim on item for one more lease before its handler
// runs. It reports false when the handler must not run.
func (r *Runner[T]) renew(ctx context.Context, span trace.Span, item T, res *CycleResult, fields []log.Field) bool {
	now := r.cfg.now()

	err := r.queue.Renew(ctx, item, r.cfg.owner, now, r.cfg.policy.Lease)
	if err == nil {
		expires := now.Add(r.cfg.policy.Lease)
		item.WorkItem().LeaseExpiresAt = &expires

		return true
	}

	if errors.Is(err, ErrLeaseLost) {
		res.LeaseLost++
		r.metrics.leaseLost.Add(ctx, 1, r.metrics.kindAttr)
		r.cfg.logger.Log(ctx, log.LevelWarn, "claim lost before handler ran, skipping", fields...)

		return false
	}

	// the item stays claimed and comes back once the lease lapses
	res.RenewFailed++
	handleSpanError(span, "renew lease", err)
	r.cfg.logger.Log(ctx, log.LevelError, "failed to renew lease, skipping", append(fields, log.Err(err))...)

	return false
}

// invoke runs the handler under the per-item timeout. The handler runs on
// its own goroutine so one that ignores cancellation cannot hold the cycle.
func (r *Runner[T]) invoke(ctx context.Context, item T) error {
	hctx, cancel := context.WithTimeout(ctx, r.cfg.policy.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)

	go func() {
		done <- runtime.Call(hctx, r.cfg.logger, "workitem", string(r.kind), func() error {
			return r.handle(hctx, item)
		})
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		if ctx.Err() == nil {
			return fmt.Errorf("%w after %s", ErrHandlerTimeout, r.cfg.policy.HandlerTimeout)
		}

		return fmt.Errorf("handler interrupted: %w", ctx.Err())
	}
}

func handleSpanError(span trace.Span, msg string, err error) {
	if err == nil {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
}
