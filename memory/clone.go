package memory

import (
	"time"

	"github.com/forgefit/deferred/command"
	"github.com/forgefit/deferred/notification"
	"github.com/forgefit/deferred/outbox"
	"github.com/forgefit/deferred/workitem"
)

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}

	v := *t

	return &v
}

func cloneItem(i workitem.Item) workitem.Item {
	i.Payload = append([]byte(nil), i.Payload...)
	i.NextAttemptAt = cloneTime(i.NextAttemptAt)
	i.LeaseExpiresAt = cloneTime(i.LeaseExpiresAt)

	return i
}

func cloneEvent(e *outbox.Event) *outbox.Event {
	c := *e
	c.Item = cloneItem(e.Item)
	c.FannedOutAt = cloneTime(e.FannedOutAt)

	return &c
}

func cloneDelivery(d *outbox.Delivery) *outbox.Delivery {
	c := *d
	c.Item = cloneItem(d.Item)

	return &c
}

func cloneNotification(n *notification.Notification) *notification.Notification {
	c := *n
	c.Item = cloneItem(n.Item)
	c.SentAt = cloneTime(n.SentAt)

	return &c
}

func cloneEnvelope(e *command.Envelope) *command.Envelope {
	c := *e
	c.Item = cloneItem(e.Item)
	c.CompletedAt = cloneTime(e.CompletedAt)

	return &c
}
