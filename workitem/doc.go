// Package workitem holds what every deferred work item shares: the common
// fields, the Pending/Processing/Succeeded/Failed state machine, the retry
// policy that decides each attempt's outcome, and a generic Runner that
// claims, executes and settles items of any flavor through a Queue.
//
// Flavors (outbox deliveries, notifications, command envelopes) embed Item and
// implement Record; stores implement Queue for each of them.
package workitem
