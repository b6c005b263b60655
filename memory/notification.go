package memory

import (
	"context"
	"time"

	"github.com/forgefit/deferred/notification"
	"github.com/forgefit/deferred/workitem"
	"github.com/google/uuid"
)

// NotificationQueue is the workitem.Queue of notifications.
type NotificationQueue struct{ s *Store }

var _ workitem.Queue[*notification.Notification] = NotificationQueue{}

func (s *Store) Notifications() NotificationQueue { return NotificationQueue{s: s} }

func (q NotificationQueue) ReleaseExpired(_ context.Context, policy workitem.RetryPolicy, now time.Time) (int, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	n := 0

	for _, id := range q.s.notifOrder {
		row := q.s.notifs[id]
		if row.LeaseExpired(now) {
			row.Apply(policy.Expire(&row.Item, now))
			n++
		}
	}

	return n, nil
}

func (q NotificationQueue) ClaimDue(_ context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*notification.Notification, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	return claimDue(q.s.notifOrder, q.s.notifs, cloneNotification, owner, now, lease, limit), nil
}

func (q NotificationQueue) Renew(_ context.Context, item *notification.Notification, owner string, now time.Time, lease time.Duration) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	return renewLease(q.s.notifs, item.ID, owner, now, lease)
}

func (q NotificationQueue) Settle(_ context.Context, item *notification.Notification, owner string, o workitem.Outcome) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	row, ok := q.s.notifs[item.ID]
	if !ok {
		return workitem.ErrNotFound
	}

	if err := held(&row.Item, owner); err != nil {
		return err
	}

	row.Apply(o)

	if o.State == workitem.StateSucceeded {
		row.SentAt = cloneTime(&o.At)
	}

	return nil
}

// Notification returns a copy of the notification with id.
func (s *Store) Notification(id uuid.UUID) (*notification.Notification, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifs[id]
	if !ok {
		return nil, false
	}

	return cloneNotification(n), true
}

// NotificationCount returns how many notification rows exist, deleted ones
// included.
func (s *Store) NotificationCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.notifs)
}

// SoftDeleteNotification hides the row from queries and frees its key.
func (s *Store) SoftDeleteNotification(_ context.Context, id uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.notifs[id]
	if !ok || n.Deleted {
		return workitem.ErrNotFound
	}

	n.Deleted = true
	n.UpdatedAt = now

	if s.liveNotifs[n.Key()] == id {
		delete(s.liveNotifs, n.Key())
	}

	return nil
}
