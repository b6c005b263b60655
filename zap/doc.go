// Package zap is the production log.Logger backed by go.uber.org/zap, with
// records bridged to OpenTelemetry through otelzap.
package zap
