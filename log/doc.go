// Package log defines the leveled, structured logging interface used by every
// component of the engine, plus a no-op implementation.
//
// The zap package provides the production implementation.
package log
