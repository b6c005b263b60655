//go:build unit

package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/forgefit/deferred/outbox"
	"github.com/forgefit/deferred/workitem"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeChannel struct {
	mu          sync.Mutex
	confirms    chan amqp.Confirmation
	closeNotify chan *amqp.Error
	published   []published
	declared    []string
	tag         uint64
	nack        bool
	silent      bool
	publishErr  error
	confirmErr  error
	closed      bool
}

func (c *fakeChannel) Confirm(bool) error { return c.confirmErr }

func (c *fakeChannel) NotifyPublish(ch chan amqp.Confirmation) chan amqp.Confirmation {
	c.confirms = ch
	return ch
}

func (c *fakeChannel) NotifyClose(ch chan *amqp.Error) chan *amqp.Error {
	c.closeNotify = ch
	return ch
}

func (c *fakeChannel) ExchangeDeclare(name, kind string, _, _, _, _ bool, _ amqp.Table) error {
	c.declared = append(c.declared, name+":"+kind)
	return nil
}

func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.publishErr != nil {
		return c.publishErr
	}

	c.published = append(c.published, published{exchange: exchange, key: key, msg: msg})
	c.tag++

	if !c.silent {
		c.confirms <- amqp.Confirmation{DeliveryTag: c.tag, Ack: !c.nack}
	}

	return nil
}

func (c *fakeChannel) Close() error {
	c.closed = true
	return nil
}

type provider struct {
	channels []*fakeChannel
	opened   int
	err      error
}

func (p *provider) open(context.Context) (Channel, error) {
	if p.err != nil {
		return nil, p.err
	}

	ch := p.channels[p.opened]
	p.opened++

	return ch, nil
}

func message() outbox.Message {
	return outbox.Message{
		EventID:       uuid.New(),
		DeliveryID:    uuid.New(),
		EventType:     "member.joined",
		CorrelationID: "corr-9",
		Payload:       []byte(`{"member":"m1"}`),
		Attempt:       2,
	}
}

func TestNewValidation(t *testing.T) {
	_, err := New(nil, "events")
	require.ErrorIs(t, err, ErrChannelProviderRequired)

	_, err = New((&provider{}).open, "")
	require.ErrorIs(t, err, ErrExchangeRequired)
}

func TestHandlerPublishesConfirmedMessage(t *testing.T) {
	ch := &fakeChannel{}
	prov := &provider{channels: []*fakeChannel{ch}}

	pub, err := New(prov.open, "deferred.events")
	require.NoError(t, err)

	msg := message()
	require.NoError(t, pub.Handler()(context.Background(), msg))
	require.NoError(t, pub.Handler()(context.Background(), message()))

	assert.Equal(t, 1, prov.opened, "channel is reused")
	assert.Equal(t, []string{"deferred.events:topic"}, ch.declared)
	require.Len(t, ch.published, 2)

	got := ch.published[0]
	assert.Equal(t, "deferred.events", got.exchange)
	assert.Equal(t, "member.joined", got.key)
	assert.Equal(t, msg.EventID.String(), got.msg.MessageId)
	assert.Equal(t, "corr-9", got.msg.CorrelationId)
	assert.Equal(t, uint8(amqp.Persistent), got.msg.DeliveryMode)
	assert.Equal(t, msg.Payload, got.msg.Body)
	assert.Equal(t, msg.DeliveryID.String(), got.msg.Headers["x-delivery-id"])
	assert.Equal(t, "2", got.msg.Headers["x-attempt"])
}

func TestNackIsTransient(t *testing.T) {
	ch := &fakeChannel{nack: true}
	pub, err := New((&provider{channels: []*fakeChannel{ch}}).open, "events")
	require.NoError(t, err)

	err = pub.Handler()(context.Background(), message())
	require.ErrorIs(t, err, ErrPublishNacked)
	assert.False(t, workitem.IsPermanent(err))
}

func TestMissingEventTypeIsPermanent(t *testing.T) {
	pub, err := New((&provider{channels: []*fakeChannel{{}}}).open, "events")
	require.NoError(t, err)

	msg := message()
	msg.EventType = ""

	require.True(t, workitem.IsPermanent(pub.Handler()(context.Background(), msg)))
}

func TestConfirmTimeoutReopensChannel(t *testing.T) {
	first := &fakeChannel{silent: true}
	second := &fakeChannel{}
	prov := &provider{channels: []*fakeChannel{first, second}}

	pub, err := New(prov.open, "events", WithConfirmTimeout(20*time.Millisecond))
	require.NoError(t, err)

	err = pub.Publish(context.Background(), "k", amqp.Publishing{})
	require.ErrorIs(t, err, ErrConfirmTimeout)
	assert.True(t, first.closed)

	require.NoError(t, pub.Publish(context.Background(), "k", amqp.Publishing{}))
	assert.Equal(t, 2, prov.opened)
}

func TestClosedChannelIsReplaced(t *testing.T) {
	first := &fakeChannel{}
	second := &fakeChannel{}
	prov := &provider{channels: []*fakeChannel{first, second}}

	pub, err := New(prov.open, "events")
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), "k", amqp.Publishing{}))

	first.closeNotify <- &amqp.Error{Code: 320, Reason: "CONNECTION_FORCED"}

	require.NoError(t, pub.Publish(context.Background(), "k", amqp.Publishing{}))
	assert.Len(t, second.published, 1)
}

func TestPublishAndProviderErrors(t *testing.T) {
	boom := errors.New("channel closed")
	ch := &fakeChannel{publishErr: boom}
	pub, err := New((&provider{channels: []*fakeChannel{ch}}).open, "events")
	require.NoError(t, err)

	require.ErrorIs(t, pub.Publish(context.Background(), "k", amqp.Publishing{}), boom)
	assert.True(t, ch.closed)

	dialErr := errors.New("connection refused")
	pub, err = New((&provider{err: dialErr}).open, "events")
	require.NoError(t, err)
	require.ErrorIs(t, pub.Publish(context.Background(), "k", amqp.Publishing{}), dialErr)

	confirmErr := errors.New("not supported")
	noConfirm := &fakeChannel{confirmErr: confirmErr}
	pub, err = New((&provider{channels: []*fakeChannel{noConfirm}}).open, "events")
	require.NoError(t, err)
	require.ErrorIs(t, pub.Publish(context.Background(), "k", amqp.Publishing{}), confirmErr)
	assert.True(t, noConfirm.closed)
}

func TestCloseRejectsLaterPublishes(t *testing.T) {
	ch := &fakeChannel{}
	pub, err := New((&provider{channels: []*fakeChannel{ch}}).open, "events")
	require.NoError(t, err)

	require.NoError(t, pub.Publish(context.Background(), "k", amqp.Publishing{}))
	require.NoError(t, pub.Close())
	assert.True(t, ch.closed)

	require.ErrorIs(t, pub.Publish(context.Background(), "k", amqp.Publishing{}), ErrPublisherClosed)
}

func TestHeaderCarrier(t *testing.T) {
	c := headerCarrier(amqp.Table{"x-event-id": "e1", "count": 3})

	c.Set("traceparent", "00-abc")
	assert.Equal(t, "00-abc", c.Get("traceparent"))
	assert.Equal(t, "", c.Get("count"))
	assert.ElementsMatch(t, []string{"x-event-id", "count", "traceparent"}, c.Keys())
}
