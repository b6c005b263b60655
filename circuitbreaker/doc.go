// Package circuitbreaker guards work-item handlers with sony/gobreaker.
//
// While a breaker is open, wrapped handlers fail fast with ErrOpen. The
// runner treats that as a transient failure, so the item is rescheduled with
// backoff instead of hammering a dependency that is already down. Permanent
// handler errors do not count against the breaker.
package circuitbreaker
