package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/forgefit/deferred/notification"
	"github.com/forgefit/deferred/outbox"
	"github.com/forgefit/deferred/workitem"
	"github.com/google/uuid"
)

// Counts returns live item counts per kind and state.
func (s *Store) Counts(_ context.Context) (workitem.Counts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	counts := workitem.Counts{}

	tally := func(kind workitem.Kind, item *workitem.Item) {
		if !item.Deleted {
			counts.Add(kind, item.State, 1)
		}
	}

	for _, e := range s.events {
		tally(workitem.KindOutboxEvent, &e.Item)
	}

	for _, d := range s.deliveries {
		tally(workitem.KindOutboxDelivery, &d.Item)
	}

	for _, n := range s.notifs {
		tally(workitem.KindNotification, &n.Item)
	}

	for _, c := range s.commands {
		tally(workitem.KindCommand, &c.Item)
	}

	return counts, nil
}

// Requeue moves a Failed item of kind back to Pending with a fresh attempt
// budget. Requeuing a delivery reopens its event.
func (s *Store) Requeue(_ context.Context, kind workitem.Kind, id uuid.UUID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var item *workitem.Item

	switch kind {
	case workitem.KindOutboxEvent:
		if e, ok := s.events[id]; ok {
			item = &e.Item
			if e.State == workitem.StateFailed {
				e.FannedOutAt = nil
			}
		}
	case workitem.KindOutboxDelivery:
		if d, ok := s.deliveries[id]; ok {
			item = &d.Item
			if d.State == workitem.StateFailed {
				if e, ok := s.events[d.EventID]; ok {
					e.State = workitem.StatePending
					e.LastError = ""
					e.UpdatedAt = now
				}
			}
		}
	case workitem.KindNotification:
		if n, ok := s.notifs[id]; ok {
			item = &n.Item
		}
	case workitem.KindCommand:
		if c, ok := s.commands[id]; ok {
			item = &c.Item
		}
	default:
		return fmt.Errorf("requeue: unknown kind %q", kind)
	}

	if item == nil || item.Deleted {
		return workitem.ErrNotFound
	}

	if item.State != workitem.StateFailed {
		return workitem.ErrNotFailed
	}

	item.Requeue(now)

	return nil
}

// BackfillCandidates pages through live Pending or Failed notifications in
// id order, starting after the cursor.
func (s *Store) BackfillCandidates(_ context.Context, after uuid.UUID, limit int) ([]*notification.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*notification.Notification

	for _, n := range s.notifs {
		if n.Deleted || !idLess(after, n.ID) {
			continue
		}

		if n.State == workitem.StatePending || n.State == workitem.StateFailed {
			out = append(out, cloneNotification(n))
		}
	}

	sort.Slice(out, func(i, j int) bool { return idLess(out[i].ID, out[j].ID) })

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}

// InsertEventsIfAbsent inserts events whose id is not taken yet and reports
// how many were inserted.
func (s *Store) InsertEventsIfAbsent(_ context.Context, events []*outbox.Event) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inserted := 0

	for _, e := range events {
		if _, exists := s.events[e.ID]; exists {
			continue
		}

		s.events[e.ID] = cloneEvent(e)
		s.eventOrder = append(s.eventOrder, e.ID)
		inserted++
	}

	return inserted, nil
}

// RecentFailures lists up to limit live Failed items across every kind,
// newest first.
func (s *Store) RecentFailures(_ context.Context, limit int) ([]workitem.Failure, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []workitem.Failure

	collect := func(kind workitem.Kind, item *workitem.Item) {
		if item.Deleted || item.State != workitem.StateFailed {
			return
		}

		out = append(out, workitem.Failure{
			Kind:      kind,
			ID:        item.ID,
			Attempts:  item.Attempts,
			LastError: item.LastError,
			UpdatedAt: item.UpdatedAt,
		})
	}

	for _, e := range s.events {
		collect(workitem.KindOutboxEvent, &e.Item)
	}

	for _, d := range s.deliveries {
		collect(workitem.KindOutboxDelivery, &d.Item)
	}

	for _, n := range s.notifs {
		collect(workitem.KindNotification, &n.Item)
	}

	for _, c := range s.commands {
		collect(workitem.KindCommand, &c.Item)
	}

	workitem.SortFailures(out)

	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}

	return out, nil
}
