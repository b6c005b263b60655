package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/forgefit/deferred/log"
	"github.com/forgefit/deferred/outbox"
	"github.com/forgefit/deferred/workitem"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

const (
	DefaultConfirmTimeout = 5 * time.Second
	DefaultExchangeKind   = amqp.ExchangeTopic
	confirmBuffer         = 1
)

var (
	ErrChannelProviderRequired = errors.New("rabbitmq: channel provider is required")
	ErrExchangeRequired        = errors.New("rabbitmq: exchange is required")
	ErrPublisherClosed         = errors.New("rabbitmq: publisher closed")
	ErrPublishNacked           = errors.New("rabbitmq: publish nacked by broker")
	ErrConfirmTimeout          = errors.New("rabbitmq: confirmation timed out")
)

// Channel is the subset of *amqp.Channel the publisher uses.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Close() error
}

// ChannelProvider opens a fresh channel.
type ChannelProvider func(ctx context.Context) (Channel, error)

// Dial connects to url and returns a provider that opens channels on that
// connection, plus the connection so the caller can close it.
func Dial(rawURL string) (ChannelProvider, *amqp.Connection, error) {
	conn, err := amqp.Dial(rawURL)
	if err != nil {
		return nil, nil, fmt.Errorf("rabbitmq: dial %s: %w", redactURL(rawURL), err)
	}

	provider := func(_ context.Context) (Channel, error) {
		ch, err := conn.Channel()
		if err != nil {
			return nil, fmt.Errorf("rabbitmq: open channel: %w", err)
		}

		return ch, nil
	}

	return provider, conn, nil
}

func redactURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return "<invalid url>"
	}

	return u.Redacted()
}

// Publisher publishes with confirms over one channel at a time. Calls are
// serialized so each publish pairs with the next confirmation.
type Publisher struct {
	provider       ChannelProvider
	exchange       string
	exchangeKind   string
	confirmTimeout time.Duration
	logger         log.Logger

	mu       sync.Mutex
	ch       Channel
	confirms chan amqp.Confirmation
	closedCh chan *amqp.Error
	shutdown bool
}

type Option func(*Publisher)

func WithLogger(l log.Logger) Option {
	return func(p *Publisher) {
		if l != nil {
			p.logger = l
		}
	}
}

func WithConfirmTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.confirmTimeout = d
		}
	}
}

func WithExchangeKind(kind string) Option {
	return func(p *Publisher) {
		if kind != "" {
			p.exchangeKind = kind
		}
	}
}

// New builds a publisher for exchange. The channel is opened lazily.
func New(provider ChannelProvider, exchange string, opts ...Option) (*Publisher, error) {
	if provider == nil {
		return nil, ErrChannelProviderRequired
	}

	if exchange == "" {
		return nil, ErrExchangeRequired
	}

	p := &Publisher{
		provider:       provider,
		exchange:       exchange,
		exchangeKind:   DefaultExchangeKind,
		confirmTimeout: DefaultConfirmTimeout,
		logger:         log.NewNop(),
	}

	for _, opt := range opts {
		opt(p)
	}

	return p, nil
}

// channel returns the live channel, opening one when none is usable.
// Callers hold p.mu.
func (p *Publisher) channel(ctx context.Context) (Channel, error) {
	if p.shutdown {
		return nil, ErrPublisherClosed
	}

	if p.ch != nil {
		select {
		case amqpErr := <-p.closedCh:
			p.logger.Log(ctx, log.LevelWarn, "rabbitmq channel closed, reopening", log.Any("reason", amqpErr))
			p.ch = nil
		default:
			return p.ch, nil
		}
	}

	ch, err := p.provider(ctx)
	if err != nil {
		return nil, err
	}

	if err := ch.ExchangeDeclare(p.exchange, p.exchangeKind, true, false, false, false, nil); err != nil {
		_ = ch.Close()

		return nil, fmt.Errorf("rabbitmq: declare exchange %s: %w", p.exchange, err)
	}

	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()

		return nil, fmt.Errorf("rabbitmq: enable confirms: %w", err)
	}

	p.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
	p.closedCh = ch.NotifyClose(make(chan *amqp.Error, 1))
	p.ch = ch

	return ch, nil
}

// invalidate drops the current channel so a late confirmation cannot pair
// with the next publish. Callers hold p.mu.
func (p *Publisher) invalidate() {
	if p.ch != nil {
		_ = p.ch.Close()
	}

	p.ch = nil
}

// Publish sends msg with routing key and waits for its confirmation.
func (p *Publisher) Publish(ctx context.Context, routingKey string, msg amqp.Publishing) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	ch, err := p.channel(ctx)
	if err != nil {
		return err
	}

	if err := ch.PublishWithContext(ctx, p.exchange, routingKey, false, false, msg); err != nil {
		p.invalidate()

		return fmt.Errorf("rabbitmq: publish: %w", err)
	}

	timer := time.NewTimer(p.confirmTimeout)
	defer timer.Stop()

	select {
	case c, ok := <-p.confirms:
		if !ok {
			p.invalidate()

			return ErrPublisherClosed
		}

		if !c.Ack {
			return fmt.Errorf("%w: delivery_tag=%d", ErrPublishNacked, c.DeliveryTag)
		}

		return nil
	case <-timer.C:
		p.invalidate()

		return ErrConfirmTimeout
	case <-ctx.Done():
		p.invalidate()

		return fmt.Errorf("rabbitmq: waiting for confirm: %w", ctx.Err())
	}
}

// Handler adapts the publisher into an outbox delivery handler.
func (p *Publisher) Handler() outbox.Handler {
	return func(ctx context.Context, msg outbox.Message) error {
		if msg.EventType == "" {
			return workitem.Permanentf("rabbitmq: event %s has no type to route by", msg.EventID)
		}

		return p.Publish(ctx, msg.EventType, publishing(ctx, msg))
	}
}

func publishing(ctx context.Context, msg outbox.Message) amqp.Publishing {
	headers := amqp.Table{
		"x-event-id":    msg.EventID.String(),
		"x-delivery-id": msg.DeliveryID.String(),
		"x-attempt":     strconv.Itoa(msg.Attempt),
	}

	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))

	return amqp.Publishing{
		Headers:       headers,
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		MessageId:     msg.EventID.String(),
		CorrelationId: msg.CorrelationID,
		Type:          msg.EventType,
		Timestamp:     time.Now().UTC(),
		Body:          msg.Payload,
	}
}

// Close closes the channel. Later publishes fail with ErrPublisherClosed.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.shutdown = true

	if p.ch == nil {
		return nil
	}

	err := p.ch.Close()
	p.ch = nil

	return err
}

type headerCarrier amqp.Table

var _ propagation.TextMapCarrier = headerCarrier(nil)

func (c headerCarrier) Get(key string) string {
	v, _ := c[key].(string)
	return v
}

func (c headerCarrier) Set(key, value string) { c[key] = value }

func (c headerCarrier) Keys() []string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}

	return keys
}
