// Package rabbitmq relays outbox deliveries to a RabbitMQ exchange.
//
// Publisher.Handler returns an outbox.Handler that publishes each event as a
// persistent message, routed by event type, and waits for the broker to
// confirm it. A nack, a confirm timeout or a closed channel is a transient
// failure; the delivery is retried with backoff and the channel is reopened
// on the next attempt.
package rabbitmq
