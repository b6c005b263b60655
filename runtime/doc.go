// Package runtime provides panic recovery helpers that log through log.Logger
// and annotate the active OpenTelemetry span.
package runtime
