//go:build unit

package outbox

import (
	"strings"
	"testing"
	"time"

	"github.com/forgefit/deferred/workitem"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func TestNewEventValidation(t *testing.T) {
	t.Parallel()

	_, err := NewEvent(uuid.Nil, " ", []byte(`{}`), "c", now)
	require.ErrorIs(t, err, ErrEventTypeRequired)

	_, err = NewEvent(uuid.Nil, "t", nil, "c", now)
	require.ErrorIs(t, err, ErrPayloadRequired)

	_, err = NewEvent(uuid.Nil, "t", []byte(`{nope`), "c", now)
	require.ErrorIs(t, err, ErrPayloadNotJSON)

	big := []byte(`"` + strings.Repeat("x", DefaultMaxPayloadBytes) + `"`)
	_, err = NewEvent(uuid.Nil, "t", big, "c", now)
	require.ErrorIs(t, err, ErrPayloadTooLarge)

	ev, err := NewEvent(uuid.Nil, " training.recorded ", []byte(`{"id":1}`), "c", now)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, ev.ID)
	assert.Equal(t, "training.recorded", ev.EventType)
	assert.Equal(t, EventPending, ev.Status())
	assert.Zero(t, ev.Attempts)
}

func TestNewDeliveryInheritsEvent(t *testing.T) {
	t.Parallel()

	ev, err := NewEvent(uuid.Nil, "t", []byte(`{}`), "corr", now)
	require.NoError(t, err)

	d := NewDelivery(ev, "mailer", now)
	assert.Equal(t, ev.ID, d.EventID)
	assert.Equal(t, "corr", d.CorrelationID)
	assert.Equal(t, "t", d.EventType)
	assert.Equal(t, DeliveryPending, d.Status())
}

func TestSettleEvent(t *testing.T) {
	t.Parallel()

	_, _, ok := SettleEvent(Settlement{Total: 2, Open: 1})
	assert.False(t, ok)

	_, _, ok = SettleEvent(Settlement{})
	assert.False(t, ok)

	state, lastErr, ok := SettleEvent(Settlement{Total: 2})
	assert.True(t, ok)
	assert.Equal(t, workitem.StateSucceeded, state)
	assert.Empty(t, lastErr)

	state, lastErr, ok = SettleEvent(Settlement{Total: 3, Failed: 1})
	assert.True(t, ok)
	assert.Equal(t, workitem.StateSucceeded, state)
	assert.Equal(t, "1 of 3 deliveries failed", lastErr)
}

func TestStatusCodecs(t *testing.T) {
	t.Parallel()

	s, err := ParseDeliveryStatus("DELIVERED")
	require.NoError(t, err)
	assert.Equal(t, workitem.StateSucceeded, s.State())

	_, err = ParseEventStatus("DELIVERED")
	require.ErrorIs(t, err, workitem.ErrInvalidState)

	assert.Equal(t, EventProcessed, EventStatusOf(workitem.StateSucceeded))
}
