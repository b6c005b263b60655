package cli

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"

	"github.com/forgefit/deferred/circuitbreaker"
	"github.com/forgefit/deferred/command"
	"github.com/forgefit/deferred/correlation"
	"github.com/forgefit/deferred/internal/config"
	"github.com/forgefit/deferred/log"
	"github.com/forgefit/deferred/monitor"
	"github.com/forgefit/deferred/notification"
	"github.com/forgefit/deferred/outbox"
	"github.com/forgefit/deferred/postgres"
	"github.com/forgefit/deferred/relay/rabbitmq"
	"github.com/forgefit/deferred/scheduler"
	"github.com/forgefit/deferred/workitem"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/time/rate"
)

const (
	tracerName = "github.com/forgefit/deferred"
	// relayHandlerName is the delivery handler name of the RabbitMQ relay.
	relayHandlerName = "rabbitmq"
)

// Registries are the handler maps one worker process serves.
type Registries struct {
	Outbox        *outbox.Registry
	Notifications *notification.Registry
	Commands      *command.Registry
	// Breakers guards handlers that call out to shared dependencies.
	Breakers *circuitbreaker.Manager
}

// Registrar installs handlers before the worker starts polling.
type Registrar func(r Registries) error

func newRunCmd(boot *bootstrap, register Registrar) *cobra.Command {
	var migrateFirst bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the outbox, notification and command workers until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			e, err := boot.open(ctx)
			if err != nil {
				return err
			}

			defer func() { _ = e.close(context.Background()) }()

			if migrateFirst || e.cfg.MigrateOnStart {
				if err := postgres.Migrate(ctx, e.client, e.logger); err != nil {
					return err
				}
			}

			return runWorker(ctx, e, register)
		},
	}

	cmd.Flags().BoolVar(&migrateFirst, "migrate", false, "apply database migrations before starting")

	return cmd
}

func runWorker(ctx context.Context, e *env, register Registrar) error {
	regs := Registries{
		Outbox:        outbox.NewRegistry(),
		Notifications: notification.NewRegistry(),
		Commands:      command.NewRegistry(),
		Breakers:      circuitbreaker.NewManager(e.logger),
	}

	closeRelay, err := registerRelay(ctx, e, regs)
	if err != nil {
		return err
	}

	defer closeRelay()

	if register != nil {
		if err := register(regs); err != nil {
			return fmt.Errorf("register handlers: %w", err)
		}
	}

	jobs, err := buildJobs(e.cfg, e.store, regs, e.logger)
	if err != nil {
		return err
	}

	mon, err := monitor.Start(nil, e.store, monitor.WithLogger(e.logger))
	if err != nil {
		return err
	}

	defer func() { _ = mon.Stop() }()

	opts := []scheduler.Option{
		scheduler.WithPollers(e.cfg.Pollers),
		scheduler.WithPollInterval(e.cfg.PollInterval),
	}

	if e.cfg.RateLimit > 0 {
		opts = append(opts, scheduler.WithRateLimit(rate.Limit(e.cfg.RateLimit), e.cfg.RateBurst))
	}

	sched, err := scheduler.New(e.logger, jobs, opts...)
	if err != nil {
		return err
	}

	// pollers outlive the signal context so Shutdown can let ticks finish
	if err := sched.Start(context.WithoutCancel(ctx)); err != nil {
		return err
	}

	<-ctx.Done()

	e.logger.Log(ctx, log.LevelInfo, "shutting down workers", log.Duration("timeout", e.cfg.ShutdownTimeout))

	shutdownCtx, cancel := context.WithTimeout(context.Background(), e.cfg.ShutdownTimeout)
	defer cancel()

	return sched.Shutdown(shutdownCtx)
}

// buildJobs wires one runner per queue plus the fan-out dispatcher.
func buildJobs(cfg *config.Config, store *postgres.Store, regs Registries, logger log.Logger) ([]scheduler.Job, error) {
	owner := correlation.WorkerID()

	runnerOpts := []workitem.Option{
		workitem.WithPolicy(cfg.RetryPolicy()),
		workitem.WithOwner(owner),
		workitem.WithBatchSize(cfg.BatchSize),
		workitem.WithLogger(logger),
		workitem.WithTracer(otel.Tracer(tracerName)),
	}

	dispatcher, err := outbox.NewDispatcher(store, regs.Outbox,
		outbox.WithLogger(logger),
		outbox.WithTracer(otel.Tracer(tracerName)),
		outbox.WithFanOutBatchSize(cfg.FanOutBatchSize))
	if err != nil {
		return nil, err
	}

	deliveries, err := workitem.NewRunner(workitem.KindOutboxDelivery,
		workitem.Queue[*outbox.Delivery](store.Deliveries()), dispatcher.Deliver, runnerOpts...)
	if err != nil {
		return nil, err
	}

	notifications, err := workitem.NewRunner(workitem.KindNotification,
		workitem.Queue[*notification.Notification](store.Notifications()), regs.Notifications.Handle, runnerOpts...)
	if err != nil {
		return nil, err
	}

	executor, err := command.NewExecutor(store, regs.Commands)
	if err != nil {
		return nil, err
	}

	commands, err := workitem.NewRunner(workitem.KindCommand,
		workitem.Queue[*command.Envelope](executor), executor.Execute, runnerOpts...)
	if err != nil {
		return nil, err
	}

	logger.Log(context.Background(), log.LevelInfo, "workers configured", log.String("owner", owner))

	return []scheduler.Job{dispatcher, deliveries, notifications, commands}, nil
}

// registerRelay publishes the configured event types to RabbitMQ behind a
// circuit breaker. It is a no-op when no event type is relayed.
func registerRelay(ctx context.Context, e *env, regs Registries) (func(), error) {
	if len(e.cfg.RelayEventTypes) == 0 {
		return func() {}, nil
	}

	provider, conn, err := rabbitmq.Dial(e.cfg.AMQPURL)
	if err != nil {
		return nil, err
	}

	pub, err := rabbitmq.New(provider, e.cfg.AMQPExchange, rabbitmq.WithLogger(e.logger))
	if err != nil {
		_ = conn.Close()

		return nil, err
	}

	closeAll := func() {
		_ = pub.Close()
		_ = conn.Close()
	}

	breaker, err := regs.Breakers.GetOrCreate("rabbitmq:"+e.cfg.AMQPExchange, circuitbreaker.BrokerConfig())
	if err != nil {
		closeAll()

		return nil, err
	}

	handler := circuitbreaker.Wrap[outbox.Message](breaker, pub.Handler())

	for _, eventType := range e.cfg.RelayEventTypes {
		if err := regs.Outbox.Register(eventType, relayHandlerName, handler); err != nil {
			closeAll()

			return nil, fmt.Errorf("register relay for %s: %w", eventType, err)
		}
	}

	e.logger.Log(ctx, log.LevelInfo, "rabbitmq relay enabled",
		log.String("exchange", e.cfg.AMQPExchange), log.Any("event_types", e.cfg.RelayEventTypes))

	return closeAll, nil
}
