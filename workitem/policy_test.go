//go:build unit

package workitem

import (
	"errors"
	"testing"
	"time"

	"github.com/forgefit/deferred/backoff"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    3,
		Backoff:        backoff.Policy{Base: time.Second, Max: time.Minute},
		HandlerTimeout: time.Second,
		Lease:          time.Minute,
	}
}

func TestDecideSuccess(t *testing.T) {
	t.Parallel()

	out := testPolicy().Decide(&Item{Attempts: 1}, nil, testNow)

	assert.Equal(t, StateSucceeded, out.State)
	assert.Empty(t, out.LastError)
	assert.Nil(t, out.NextAttemptAt)
	assert.Equal(t, testNow, out.At)
}

func TestDecideTransientSchedulesRetry(t *testing.T) {
	t.Parallel()

	out := testPolicy().Decide(&Item{Attempts: 2}, errors.New("smtp 421"), testNow)

	require.True(t, out.Retrying())
	require.NotNil(t, out.NextAttemptAt)
	assert.False(t, out.NextAttemptAt.Before(testNow.Add(time.Second)))
	assert.True(t, out.NextAttemptAt.Before(testNow.Add(2*time.Second)))
	assert.Equal(t, "smtp 421", out.LastError)
}

func TestDecideNeverMovesNextAttemptBackwards(t *testing.T) {
	t.Parallel()

	later := testNow.Add(time.Hour)
	out := testPolicy().Decide(&Item{Attempts: 1, NextAttemptAt: &later}, errors.New("x"), testNow)

	require.NotNil(t, out.NextAttemptAt)
	assert.Equal(t, later, *out.NextAttemptAt)
}

func TestDecideFailsAtCap(t *testing.T) {
	t.Parallel()

	out := testPolicy().Decide(&Item{Attempts: 3}, errors.New("still down"), testNow)

	assert.Equal(t, StateFailed, out.State)
	assert.False(t, out.Permanent)
	assert.Nil(t, out.NextAttemptAt)
}

func TestDecidePermanentFailsImmediately(t *testing.T) {
	t.Parallel()

	out := testPolicy().Decide(&Item{Attempts: 1}, Permanentf("bad payload: %s", "eof"), testNow)

	assert.Equal(t, StateFailed, out.State)
	assert.True(t, out.Permanent)
	assert.Equal(t, "bad payload: eof", out.LastError)
}

func TestDecideClassifier(t *testing.T) {
	t.Parallel()

	sentinel := errors.New("404 recipient unknown")

	p := testPolicy()
	p.Classifier = ClassifierFunc(func(err error) bool { return errors.Is(err, sentinel) })

	out := p.Decide(&Item{Attempts: 1}, sentinel, testNow)
	assert.True(t, out.Permanent)
}

func TestPolicyValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultRetryPolicy().Validate())

	bad := DefaultRetryPolicy()
	bad.MaxAttempts = 0
	bad.Lease = bad.HandlerTimeout

	err := bad.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max attempts")
	assert.Contains(t, err.Error(), "lease")
}

func TestPermanentWrapping(t *testing.T) {
	t.Parallel()

	base := errors.New("decode")
	err := Permanent(base)

	assert.True(t, IsPermanent(err))
	assert.ErrorIs(t, err, base)
	assert.Nil(t, Permanent(nil))
	assert.False(t, IsPermanent(base))
}
