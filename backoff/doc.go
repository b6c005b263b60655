// Package backoff provides retry delay helpers: exponential growth, full
// jitter, and a capped Policy used to schedule work-item retries.
package backoff
