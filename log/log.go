package log

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Logger is what runners, stores and the scheduler log through. Pollers
// share one Logger, so implementations must tolerate concurrent calls.
type Logger interface {
	Log(ctx context.Context, level Level, msg string, fields ...Field)
	With(fields ...Field) Logger
	Enabled(level Level) bool
	Sync(ctx context.Context) error
}

// Level orders entries from LevelError (0) to LevelDebug. Enabled(l) holds
// for every level up to the configured one, so an info logger drops the
// per-item debug lines the runner emits on success.
type Level uint8

const (
	LevelError Level = iota
	LevelWarn
	LevelInfo
	LevelDebug
)

func (level Level) String() string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// ParseLevel reads LOG_LEVEL values. Empty means info; unrecognized input
// also yields info, alongside an error the caller may report.
func ParseLevel(lvl string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}

	return LevelInfo, fmt.Errorf("log level %q is not one of debug, info, warn, error", lvl)
}

// Field is one attribute of an entry. Work item logs key them as kind,
// item_id, correlation_id and attempt.
type Field struct {
	Key   string
	Value any
}

// Any wraps a value the typed helpers below do not cover. Payload bytes
// should never go through it.
func Any(key string, value any) Field {
	return Field{Key: key, Value: value}
}

func String(key, value string) Field {
	return Field{Key: key, Value: value}
}

func Int(key string, value int) Field {
	return Field{Key: key, Value: value}
}

func Bool(key string, value bool) Field {
	return Field{Key: key, Value: value}
}

func Duration(key string, value time.Duration) Field {
	return Field{Key: key, Value: value}
}

// Err stores err under the "error" key, which the zap adapter renders as a
// proper error field.
func Err(err error) Field {
	return Field{Key: "error", Value: err}
}
