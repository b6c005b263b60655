//go:build unit

package workitem

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStateTransitions(t *testing.T) {
	t.Parallel()

	assert.True(t, StatePending.CanTransitionTo(StateProcessing))
	assert.True(t, StateProcessing.CanTransitionTo(StatePending))
	assert.True(t, StateProcessing.CanTransitionTo(StateSucceeded))
	assert.True(t, StateFailed.CanTransitionTo(StatePending))
	assert.False(t, StateSucceeded.CanTransitionTo(StatePending))
	assert.False(t, StatePending.CanTransitionTo(StateSucceeded))

	assert.True(t, StateFailed.IsTerminal())
	assert.False(t, StateProcessing.IsTerminal())
	assert.False(t, State(0).IsValid())
}

func TestCodecRoundTrip(t *testing.T) {
	t.Parallel()

	c := Codec{Pending: "PENDING", Processing: "PROCESSING", Succeeded: "SENT", Failed: "FAILED"}

	got, err := c.Decode("SENT")
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, got)
	assert.Equal(t, "SENT", c.Encode(StateSucceeded))

	_, err = c.Decode("sent")
	require.ErrorIs(t, err, ErrInvalidState)
}

func TestItemDue(t *testing.T) {
	t.Parallel()

	future := testNow.Add(time.Minute)

	assert.True(t, (&Item{State: StatePending}).Due(testNow))
	assert.True(t, (&Item{State: StatePending, NextAttemptAt: &testNow}).Due(testNow))
	assert.False(t, (&Item{State: StatePending, NextAttemptAt: &future}).Due(testNow))
	assert.False(t, (&Item{State: StatePending, Deleted: true}).Due(testNow))
	assert.False(t, (&Item{State: StateFailed}).Due(testNow))
}

func TestItemClaimAndApply(t *testing.T) {
	t.Parallel()

	item := &Item{State: StatePending}
	item.Claim("w1", testNow, time.Minute)

	assert.Equal(t, StateProcessing, item.State)
	assert.Equal(t, 1, item.Attempts)
	assert.Equal(t, "w1", item.LeaseOwner)
	assert.False(t, item.LeaseExpired(testNow))
	assert.True(t, item.LeaseExpired(testNow.Add(time.Minute)))

	next := testNow.Add(time.Second)
	item.Apply(Outcome{State: StatePending, NextAttemptAt: &next, LastError: "x", At: testNow})

	assert.Equal(t, StatePending, item.State)
	assert.Empty(t, item.LeaseOwner)
	assert.Nil(t, item.LeaseExpiresAt)
	assert.Equal(t, &next, item.NextAttemptAt)

	item.State = StateFailed
	item.Requeue(testNow)
	assert.Equal(t, StatePending, item.State)
	assert.Zero(t, item.Attempts)
	assert.Empty(t, item.LastError)
}
