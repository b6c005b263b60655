//go:build unit

package notification

import (
	"context"
	"testing"
	"time"

	"github.com/forgefit/deferred/workitem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var now = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New("SMS", "Welcome", "a@x.com", []byte(`{}`), "C", now)
	require.ErrorIs(t, err, ErrInvalidChannel)

	_, err = New(ChannelEmail, " ", "a@x.com", []byte(`{}`), "C", now)
	require.ErrorIs(t, err, ErrTypeRequired)

	_, err = New(ChannelEmail, "Welcome", "", []byte(`{}`), "C", now)
	require.ErrorIs(t, err, ErrRecipientRequired)

	n, err := New(ChannelEmail, "Welcome", " a@x.com ", []byte(`{}`), "C", now)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, n.Status())
	assert.Equal(t, Key{Channel: ChannelEmail, Type: "Welcome", CorrelationID: "C", Recipient: "a@x.com"}, n.Key())
}

func TestParseChannel(t *testing.T) {
	t.Parallel()

	c, err := ParseChannel(" email ")
	require.NoError(t, err)
	assert.Equal(t, ChannelEmail, c)

	_, err = ParseChannel("pigeon")
	require.ErrorIs(t, err, ErrInvalidChannel)
}

func TestStatusCodec(t *testing.T) {
	t.Parallel()

	s, err := ParseStatus("SENT")
	require.NoError(t, err)
	assert.Equal(t, workitem.StateSucceeded, s.State())
	assert.Equal(t, StatusFailed, StatusOf(workitem.StateFailed))

	_, err = ParseStatus("DELIVERED")
	require.Error(t, err)
}

func TestRegistry(t *testing.T) {
	t.Parallel()

	r := NewRegistry()

	var got Message

	require.NoError(t, r.Register(ChannelEmail, "Welcome", func(_ context.Context, m Message) error {
		got = m
		return nil
	}))
	require.ErrorIs(t, r.Register(ChannelEmail, "Welcome", func(context.Context, Message) error { return nil }),
		ErrHandlerAlreadyRegistered)
	require.ErrorIs(t, r.Register(ChannelEmail, "Welcome2", nil), ErrHandlerRequired)

	n, err := New(ChannelEmail, "Welcome", "a@x.com", []byte(`{"name":"Ana"}`), "C", now)
	require.NoError(t, err)

	require.NoError(t, r.Handle(context.Background(), n))
	assert.Equal(t, "a@x.com", got.Recipient)
	assert.JSONEq(t, `{"name":"Ana"}`, string(got.Payload))

	n.Type = "PasswordReset"
	err = r.Handle(context.Background(), n)
	require.Error(t, err)
	assert.True(t, workitem.IsPermanent(err))
	assert.ErrorIs(t, err, workitem.ErrHandlerNotFound)
}
