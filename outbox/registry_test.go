//go:build unit

package outbox

import (
	"context"
	"errors"
	"testing"

	"github.com/forgefit/deferred/workitem"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopHandler(context.Context, Message) error { return nil }

func TestRegistryRegisterValidation(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	require.ErrorIs(t, r.Register(" ", "mailer", noopHandler), ErrEventTypeRequired)
	require.ErrorIs(t, r.Register("training.recorded", "", noopHandler), ErrHandlerNameRequired)
	require.ErrorIs(t, r.Register("training.recorded", "mailer", nil), ErrHandlerRequired)

	require.NoError(t, r.Register("training.recorded", "mailer", noopHandler))
	require.ErrorIs(t, r.Register("training.recorded", " mailer ", noopHandler), ErrHandlerAlreadyRegistered)
}

func TestRegistryResolveKeepsRegistrationOrder(t *testing.T) {
	t.Parallel()

	r := NewRegistry()
	require.NoError(t, r.Register("training.recorded", "ranking", noopHandler))
	require.NoError(t, r.Register("training.recorded", "mailer", noopHandler))

	names, err := r.Resolve("training.recorded")
	require.NoError(t, err)
	assert.Equal(t, []string{"ranking", "mailer"}, names)

	_, err = r.Resolve("unknown.type")
	require.Error(t, err)
	assert.True(t, workitem.IsPermanent(err))
	assert.ErrorIs(t, err, ErrNoHandlers)
}

func TestRegistryHandleRoutesByName(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	var got Message

	require.NoError(t, r.Register("user.registered", "welcome", func(_ context.Context, m Message) error {
		got = m
		return nil
	}))
	require.NoError(t, r.Register("user.registered", "audit", func(context.Context, Message) error {
		return errors.New("should not run")
	}))

	del := &Delivery{
		Item:        workitem.Item{ID: uuid.New(), CorrelationID: "c-1", Payload: []byte(`{"a":1}`), Attempts: 2},
		EventID:     uuid.New(),
		HandlerName: "welcome",
		EventType:   "user.registered",
	}

	require.NoError(t, r.Handle(context.Background(), del))
	assert.Equal(t, del.EventID, got.EventID)
	assert.Equal(t, del.ID, got.DeliveryID)
	assert.Equal(t, "c-1", got.CorrelationID)
	assert.Equal(t, 2, got.Attempt)
}

func TestRegistryHandleUnknownIsPermanent(t *testing.T) {
	t.Parallel()

	err := NewRegistry().Handle(context.Background(), &Delivery{EventType: "x", HandlerName: "y"})

	require.Error(t, err)
	assert.True(t, workitem.IsPermanent(err))
	assert.ErrorIs(t, err, workitem.ErrHandlerNotFound)
}
