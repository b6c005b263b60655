// Package outbox implements the transactional outbox with fan-out.
//
// An Event is written by the enqueuer inside the business transaction. The
// Dispatcher later fans every new event out into one Delivery per handler
// registered for its type; the unique (event, handler) pair makes repeated or
// concurrent fan-out converge on the same set. Deliveries are then retried
// independently by a workitem.Runner, and the event becomes PROCESSED once
// none of its deliveries is still in flight.
package outbox
