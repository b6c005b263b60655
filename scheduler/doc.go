// Package scheduler drives Jobs on a polling loop.
//
// Each job gets a configurable number of pollers. A poller calls Tick, runs
// again immediately while the job reports more work, and otherwise sleeps for
// the poll interval. Consecutive errors back off exponentially up to a cap.
// A shared rate limiter bounds the total tick rate across all pollers.
package scheduler
