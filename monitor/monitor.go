// Package monitor publishes queue depth gauges from a store's Counts snapshot.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/forgefit/deferred/log"
	"github.com/forgefit/deferred/workitem"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/forgefit/deferred/monitor"

var ErrSourceRequired = errors.New("monitor: counts source is required")

// Source reports how many items each table holds per state.
type Source interface {
	Counts(ctx context.Context) (workitem.Counts, error)
}

// Monitor observes deferred.items.failed and deferred.items.backlog per kind.
type Monitor struct {
	source Source
	logger log.Logger

	mu   sync.Mutex
	reg  metric.Registration
	last workitem.Counts
}

type Option func(*Monitor)

func WithLogger(l log.Logger) Option {
	return func(m *Monitor) {
		if l != nil {
			m.logger = l
		}
	}
}

// Start registers the gauges against provider (the global provider when nil).
// Each collection runs one Counts query.
func Start(provider metric.MeterProvider, source Source, opts ...Option) (*Monitor, error) {
	if source == nil {
		return nil, ErrSourceRequired
	}

	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	m := &Monitor{source: source, logger: log.NewNop()}
	for _, opt := range opts {
		opt(m)
	}

	meter := provider.Meter(meterName)

	failed, err := meter.Int64ObservableGauge(
		"deferred.items.failed",
		metric.WithDescription("Work items in terminal failure awaiting an operator"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create deferred.items.failed gauge: %w", err)
	}

	backlog, err := meter.Int64ObservableGauge(
		"deferred.items.backlog",
		metric.WithDescription("Work items pending or in flight"),
		metric.WithUnit("{item}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create deferred.items.backlog gauge: %w", err)
	}

	reg, err := meter.RegisterCallback(func(ctx context.Context, o metric.Observer) error {
		counts, err := m.source.Counts(ctx)
		if err != nil {
			m.logger.Log(ctx, log.LevelWarn, "failed to collect work item counts", log.Err(err))

			return nil
		}

		m.mu.Lock()
		m.last = counts
		m.mu.Unlock()

		for _, kind := range workitem.Kinds() {
			attrs := metric.WithAttributes(attribute.String("work_item.kind", string(kind)))

			o.ObserveInt64(failed, counts.Get(kind, workitem.StateFailed), attrs)
			o.ObserveInt64(backlog,
				counts.Get(kind, workitem.StatePending)+counts.Get(kind, workitem.StateProcessing), attrs)
		}

		return nil
	}, failed, backlog)
	if err != nil {
		return nil, fmt.Errorf("register counts callback: %w", err)
	}

	m.reg = reg

	return m, nil
}

// Last returns the most recently collected snapshot, nil before the first.
func (m *Monitor) Last() workitem.Counts {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.last
}

func (m *Monitor) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.reg == nil {
		return nil
	}

	err := m.reg.Unregister()
	m.reg = nil

	return err
}
