package workitem

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/forgefit/deferred/workitem"

type runnerMetrics struct {
	claimed   metric.Int64Counter
	succeeded metric.Int64Counter
	retried   metric.Int64Counter
	failed    metric.Int64Counter
	leaseLost metric.Int64Counter
	released  metric.Int64Counter
	duration  metric.Float64Histogram
	kindAttr  metric.MeasurementOption
}

func newRunnerMetrics(provider metric.MeterProvider, kind Kind) (*runnerMetrics, error) {
	if provider == nil {
		provider = otel.GetMeterProvider()
	}

	meter := provider.Meter(meterName)
	m := &runnerMetrics{kindAttr: metric.WithAttributes(attribute.String("work_item.kind", string(kind)))}

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.claimed, "deferred.items.claimed", "Work items claimed by this worker"},
		{&m.succeeded, "deferred.items.succeeded", "Work items that reached terminal success"},
		{&m.retried, "deferred.items.retried", "Failed attempts rescheduled with backoff"},
		{&m.failed, "deferred.items.failures", "Work items that reached terminal failure"},
		{&m.leaseLost, "deferred.items.lease_lost", "Renewals or settles rejected because the claim was no longer held"},
		{&m.released, "deferred.items.released", "Expired claims returned to the queue or failed"},
	}

	for _, c := range counters {
		counter, err := meter.Int64Counter(c.name, metric.WithDescription(c.desc), metric.WithUnit("{item}"))
		if err != nil {
			return nil, fmt.Errorf("create %s counter: %w", c.name, err)
		}

		*c.dst = counter
	}

	var err error

	m.duration, err = meter.Float64Histogram(
		"deferred.handler.duration",
		metric.WithDescription("Handler execution time per attempt"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, fmt.Errorf("create deferred.handler.duration histogram: %w", err)
	}

	return m, nil
}

func (m *runnerMetrics) recordOutcome(ctx context.Context, o Outcome) {
	switch o.State {
	case StateSucceeded:
		m.succeeded.Add(ctx, 1, m.kindAttr)
	case StatePending:
		m.retried.Add(ctx, 1, m.kindAttr)
	case StateFailed:
		m.failed.Add(ctx, 1, m.kindAttr)
	}
}
