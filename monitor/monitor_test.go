//go:build unit

package monitor

import (
	"context"
	"errors"
	"testing"

	"github.com/forgefit/deferred/workitem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

type fakeSource struct {
	counts workitem.Counts
	err    error
	calls  int
}

func (f *fakeSource) Counts(context.Context) (workitem.Counts, error) {
	f.calls++
	return f.counts, f.err
}

func collect(t *testing.T, reader *sdkmetric.ManualReader) metricdata.ResourceMetrics {
	t.Helper()

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	return rm
}

func gaugeByKind(t *testing.T, rm metricdata.ResourceMetrics, name string) map[string]int64 {
	t.Helper()

	out := map[string]int64{}

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}

			g, ok := m.Data.(metricdata.Gauge[int64])
			require.True(t, ok, "expected Gauge[int64], got %T", m.Data)

			for _, dp := range g.DataPoints {
				kind, _ := dp.Attributes.Value(attribute.Key("work_item.kind"))
				out[kind.AsString()] = dp.Value
			}
		}
	}

	return out
}

func TestStartRequiresSource(t *testing.T) {
	_, err := Start(nil, nil)
	require.ErrorIs(t, err, ErrSourceRequired)
}

func TestGaugesReflectCounts(t *testing.T) {
	counts := workitem.Counts{}
	counts.Add(workitem.KindNotification, workitem.StateFailed, 3)
	counts.Add(workitem.KindNotification, workitem.StatePending, 5)
	counts.Add(workitem.KindNotification, workitem.StateProcessing, 1)
	counts.Add(workitem.KindCommand, workitem.StateSucceeded, 9)

	src := &fakeSource{counts: counts}
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	m, err := Start(provider, src)
	require.NoError(t, err)
	assert.Nil(t, m.Last())

	rm := collect(t, reader)

	failed := gaugeByKind(t, rm, "deferred.items.failed")
	assert.Equal(t, int64(3), failed[string(workitem.KindNotification)])
	assert.Equal(t, int64(0), failed[string(workitem.KindCommand)])
	assert.Len(t, failed, len(workitem.Kinds()))

	backlog := gaugeByKind(t, rm, "deferred.items.backlog")
	assert.Equal(t, int64(6), backlog[string(workitem.KindNotification)])

	assert.Equal(t, int64(9), m.Last().Get(workitem.KindCommand, workitem.StateSucceeded))

	require.NoError(t, m.Stop())
	require.NoError(t, m.Stop())

	collect(t, reader)
	assert.Equal(t, 1, src.calls, "no callback after Stop")
}

func TestSourceErrorSkipsObservation(t *testing.T) {
	src := &fakeSource{err: errors.New("replica down")}
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))

	_, err := Start(provider, src)
	require.NoError(t, err)

	rm := collect(t, reader)
	assert.Empty(t, gaugeByKind(t, rm, "deferred.items.failed"))
	assert.Equal(t, 1, src.calls)
}
