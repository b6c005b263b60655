package zap

import (
	"context"
	"fmt"
	"strings"

	"github.com/forgefit/deferred/log"
	"go.opentelemetry.io/contrib/bridges/otelzap"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment selects the baseline logger profile.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentStaging     Environment = "staging"
	EnvironmentDevelopment Environment = "development"
	EnvironmentLocal       Environment = "local"
)

// Config holds the logger initialization inputs.
type Config struct {
	Environment Environment
	Level       string
	// ServiceName is the instrumentation scope for records bridged to OTel.
	ServiceName string
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("service name is required")
	}

	switch c.Environment {
	case EnvironmentProduction, EnvironmentStaging, EnvironmentDevelopment, EnvironmentLocal:
		return nil
	default:
		return fmt.Errorf("invalid environment %q", c.Environment)
	}
}

// Logger implements log.Logger on top of zap.
type Logger struct {
	logger *zap.Logger
	level  zap.AtomicLevel
}

var _ log.Logger = (*Logger)(nil)

// New builds a zap logger for the configured environment. Records are teed
// into the OTel log bridge so they follow the global LoggerProvider.
func New(cfg Config) (*Logger, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid zap config: %w", err)
	}

	zcfg := configFor(cfg.Environment)

	level, err := resolveLevel(cfg)
	if err != nil {
		return nil, err
	}

	zcfg.Level = level
	zcfg.DisableStacktrace = true

	built, err := zcfg.Build(
		zap.AddCallerSkip(1),
		zap.WrapCore(func(core zapcore.Core) zapcore.Core {
			return zapcore.NewTee(core, otelzap.NewCore(cfg.ServiceName))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("build zap logger: %w", err)
	}

	return &Logger{logger: built, level: level}, nil
}

// Wrap adapts an existing zap logger.
func Wrap(l *zap.Logger) *Logger {
	return &Logger{logger: l, level: zap.NewAtomicLevelAt(zapcore.DebugLevel)}
}

func (l *Logger) must() *zap.Logger {
	if l == nil || l.logger == nil {
		return zap.NewNop()
	}

	return l.logger
}

// Log writes an entry at the given level. When ctx carries a valid span the
// trace and span ids are attached.
func (l *Logger) Log(ctx context.Context, level log.Level, msg string, fields ...log.Field) {
	zf := toZapFields(fields)

	if ctx != nil {
		if sc := trace.SpanFromContext(ctx).SpanContext(); sc.IsValid() {
			zf = append(zf,
				zap.String("trace_id", sc.TraceID().String()),
				zap.String("span_id", sc.SpanID().String()),
			)
		}
	}

	if ce := l.must().Check(toZapLevel(level), msg); ce != nil {
		ce.Write(zf...)
	}
}

//nolint:ireturn
func (l *Logger) With(fields ...log.Field) log.Logger {
	return &Logger{logger: l.must().With(toZapFields(fields)...), level: l.level}
}

func (l *Logger) Enabled(level log.Level) bool {
	return l.must().Core().Enabled(toZapLevel(level))
}

// Sync flushes buffered entries unless ctx is done first.
func (l *Logger) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)

	go func() { done <- l.must().Sync() }()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

// SetLevel changes the level at runtime.
func (l *Logger) SetLevel(level log.Level) {
	l.level.SetLevel(toZapLevel(level))
}

func resolveLevel(cfg Config) (zap.AtomicLevel, error) {
	if strings.TrimSpace(cfg.Level) != "" {
		parsed, err := log.ParseLevel(cfg.Level)
		if err != nil {
			return zap.AtomicLevel{}, err
		}

		return zap.NewAtomicLevelAt(toZapLevel(parsed)), nil
	}

	if cfg.Environment == EnvironmentDevelopment || cfg.Environment == EnvironmentLocal {
		return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
	}

	return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
}

func configFor(env Environment) zap.Config {
	if env == EnvironmentDevelopment || env == EnvironmentLocal {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

		return cfg
	}

	cfg := zap.NewProductionConfig()
	cfg.Encoding = "json"
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg
}

func toZapLevel(level log.Level) zapcore.Level {
	switch level {
	case log.LevelDebug:
		return zapcore.DebugLevel
	case log.LevelWarn:
		return zapcore.WarnLevel
	case log.LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func toZapFields(fields []log.Field) []zap.Field {
	out := make([]zap.Field, 0, len(fields))

	for _, f := range fields {
		if err, ok := f.Value.(error); ok {
			out = append(out, zap.NamedError(f.Key, err))
			continue
		}

		out = append(out, zap.Any(f.Key, f.Value))
	}

	return out
}
