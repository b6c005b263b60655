// Package command executes command envelopes: a command type name plus a JSON
// payload, run later by a decode+handle function registered for that name.
// Every attempt appends one LogEntry to the execution log, written in the
// same transaction as the envelope's new state.
package command
