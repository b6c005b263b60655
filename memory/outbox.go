package memory

import (
	"context"
	"time"

	"github.com/forgefit/deferred/outbox"
	"github.com/forgefit/deferred/workitem"
	"github.com/google/uuid"
)

var _ outbox.FanOutStore = (*Store)(nil)

// FanOut creates the deliveries of up to limit new events.
func (s *Store) FanOut(_ context.Context, now time.Time, limit int, resolve outbox.ResolveFunc) (outbox.FanOutResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		res     outbox.FanOutResult
		pending []*outbox.Event
	)

	for _, id := range s.eventOrder {
		if e := s.events[id]; e.FannedOutAt == nil && e.Due(now) {
			pending = append(pending, e)
		}
	}

	claimOrder(pending)

	if limit > 0 && len(pending) > limit {
		pending = pending[:limit]
	}

	for _, e := range pending {
		res.Events++
		e.Attempts++
		e.UpdatedAt = now

		names, err := outbox.ResolveHandlers(resolve, e.EventType)
		if err != nil {
			e.State = workitem.StateFailed
			e.LastError = workitem.SanitizeError(err)
			res.Rejected++

			continue
		}

		for _, name := range names {
			key := deliveryKey{eventID: e.ID, handler: name}
			if _, exists := s.delivByKey[key]; exists {
				continue
			}

			d := outbox.NewDelivery(e, name, now)
			s.deliveries[d.ID] = d
			s.delivOrder = append(s.delivOrder, d.ID)
			s.delivByKey[key] = d.ID
			res.Deliveries++
		}

		fanned := now
		e.FannedOutAt = &fanned
	}

	return res, nil
}

// Event returns a copy of the event with id.
func (s *Store) Event(id uuid.UUID) (*outbox.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.events[id]
	if !ok {
		return nil, false
	}

	return cloneEvent(e), true
}

// DeliveriesOf returns copies of the event's deliveries in creation order.
func (s *Store) DeliveriesOf(eventID uuid.UUID) []*outbox.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*outbox.Delivery

	for _, id := range s.delivOrder {
		if d := s.deliveries[id]; d.EventID == eventID {
			out = append(out, cloneDelivery(d))
		}
	}

	return out
}

// settleEventLocked recomputes the event's state from its deliveries.
func (s *Store) settleEventLocked(eventID uuid.UUID, now time.Time) {
	e, ok := s.events[eventID]
	if !ok || e.State.IsTerminal() {
		return
	}

	var st outbox.Settlement

	for _, id := range s.delivOrder {
		d := s.deliveries[id]
		if d.EventID != eventID || d.Deleted {
			continue
		}

		st.Total++

		switch {
		case d.State == workitem.StateFailed:
			st.Failed++
		case !d.State.IsTerminal():
			st.Open++
		}
	}

	state, lastErr, ok := outbox.SettleEvent(st)
	if !ok {
		return
	}

	e.State = state
	e.LastError = lastErr
	e.UpdatedAt = now
}

// DeliveryQueue is the workitem.Queue of outbox deliveries.
type DeliveryQueue struct{ s *Store }

var _ workitem.Queue[*outbox.Delivery] = DeliveryQueue{}

func (s *Store) Deliveries() DeliveryQueue { return DeliveryQueue{s: s} }

func (q DeliveryQueue) ReleaseExpired(_ context.Context, policy workitem.RetryPolicy, now time.Time) (int, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	n := 0

	for _, id := range q.s.delivOrder {
		d := q.s.deliveries[id]
		if !d.LeaseExpired(now) {
			continue
		}

		d.Apply(policy.Expire(&d.Item, now))
		n++

		if d.State.IsTerminal() {
			q.s.settleEventLocked(d.EventID, now)
		}
	}

	return n, nil
}

func (q DeliveryQueue) ClaimDue(_ context.Context, owner string, now time.Time, lease time.Duration, limit int) ([]*outbox.Delivery, error) {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	return claimDue(q.s.delivOrder, q.s.deliveries, cloneDelivery, owner, now, lease, limit), nil
}

func (q DeliveryQueue) Renew(_ context.Context, item *outbox.Delivery, owner string, now time.Time, lease time.Duration) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	return renewLease(q.s.deliveries, item.ID, owner, now, lease)
}

func (q DeliveryQueue) Settle(_ context.Context, item *outbox.Delivery, owner string, o workitem.Outcome) error {
	q.s.mu.Lock()
	defer q.s.mu.Unlock()

	d, ok := q.s.deliveries[item.ID]
	if !ok {
		return workitem.ErrNotFound
	}

	if err := held(&d.Item, owner); err != nil {
		return err
	}

	d.Apply(o)

	if d.State.IsTerminal() {
		q.s.settleEventLocked(d.EventID, o.At)
	}

	return nil
}
