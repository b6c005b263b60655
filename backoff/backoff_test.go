//go:build unit

package backoff

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponential(t *testing.T) {
	t.Parallel()

	assert.Equal(t, time.Second, Exponential(time.Second, 0))
	assert.Equal(t, 8*time.Second, Exponential(time.Second, 3))
	assert.Equal(t, time.Second, Exponential(time.Second, -4))
	assert.Zero(t, Exponential(0, 5))
	assert.Equal(t, time.Duration(math.MaxInt64), Exponential(time.Hour, 200))
}

func TestFullJitterBounds(t *testing.T) {
	t.Parallel()

	assert.Zero(t, FullJitter(0))
	assert.Zero(t, FullJitter(-time.Second))

	for range 200 {
		got := FullJitter(100 * time.Millisecond)
		assert.GreaterOrEqual(t, got, time.Duration(0))
		assert.Less(t, got, 100*time.Millisecond)
	}
}

func TestPolicyDelayIsCappedAndHalfBounded(t *testing.T) {
	t.Parallel()

	p := Policy{Base: 2 * time.Second, Max: 30 * time.Second}

	for attempt := 1; attempt <= 10; attempt++ {
		ceiling := min(Exponential(p.Base, attempt-1), p.Max)

		for range 50 {
			got := p.Delay(attempt)
			assert.GreaterOrEqual(t, got, ceiling/2, "attempt %d", attempt)
			assert.Less(t, got, ceiling, "attempt %d", attempt)
		}
	}
}

func TestPolicyValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, Policy{Base: time.Second, Max: time.Minute}.Validate())
	require.NoError(t, Policy{Base: time.Second}.Validate())
	require.Error(t, Policy{}.Validate())
	require.Error(t, Policy{Base: time.Minute, Max: time.Second}.Validate())
}

func TestSleepWithContext(t *testing.T) {
	t.Parallel()

	require.NoError(t, SleepWithContext(context.Background(), 0))
	require.NoError(t, SleepWithContext(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := SleepWithContext(ctx, time.Hour)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}
