package workitem

import (
	"time"

	"github.com/google/uuid"
)

// Kind names a work item flavor. It doubles as the metric/log label and the
// operator-facing name used by requeue.
type Kind string

const (
	KindOutboxEvent    Kind = "outbox_event"
	KindOutboxDelivery Kind = "outbox_delivery"
	KindNotification   Kind = "notification"
	KindCommand        Kind = "command"
)

// Kinds lists every flavor.
func Kinds() []Kind {
	return []Kind{KindOutboxEvent, KindOutboxDelivery, KindNotification, KindCommand}
}

func (k Kind) IsValid() bool {
	switch k {
	case KindOutboxEvent, KindOutboxDelivery, KindNotification, KindCommand:
		return true
	default:
		return false
	}
}

// Item carries the fields common to every flavor.
type Item struct {
	ID            uuid.UUID
	CorrelationID string
	// Payload is opaque JSON interpreted only by the matching handler.
	Payload        []byte
	State          State
	Attempts       int
	NextAttemptAt  *time.Time
	LastError      string
	LeaseOwner     string
	LeaseExpiresAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
	Deleted        bool
}

// Record is implemented by every flavor's row type.
type Record interface {
	WorkItem() *Item
}

// Due reports whether the item is eligible for claiming at now.
func (i *Item) Due(now time.Time) bool {
	if i == nil || i.Deleted || i.State != StatePending {
		return false
	}

	return i.NextAttemptAt == nil || !i.NextAttemptAt.After(now)
}

// LeaseExpired reports whether a processing claim has lapsed at now.
func (i *Item) LeaseExpired(now time.Time) bool {
	return i != nil && i.State == StateProcessing && i.LeaseExpiresAt != nil && !i.LeaseExpiresAt.After(now)
}

// Claim moves a due item to Processing for owner and counts the attempt.
func (i *Item) Claim(owner string, now time.Time, lease time.Duration) {
	expires := now.Add(lease)

	i.State = StateProcessing
	i.Attempts++
	i.LeaseOwner = owner
	i.LeaseExpiresAt = &expires
	i.UpdatedAt = now
}

// Apply writes a settled outcome onto the item and releases its lease.
func (i *Item) Apply(o Outcome) {
	i.State = o.State
	i.LastError = o.LastError
	i.LeaseOwner = ""
	i.LeaseExpiresAt = nil
	i.UpdatedAt = o.At

	if o.State == StatePending {
		i.NextAttemptAt = o.NextAttemptAt
	}
}

// Requeue resets a failed item so workers pick it up again.
func (i *Item) Requeue(now time.Time) {
	i.State = StatePending
	i.Attempts = 0
	i.LastError = ""
	i.NextAttemptAt = nil
	i.LeaseOwner = ""
	i.LeaseExpiresAt = nil
	i.UpdatedAt = now
}
