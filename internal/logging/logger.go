// Package logging provides structured logging shared by every core
// subsystem: catalog, event log, queue, broker, worker, and keychain.
package logging

import (
	"context"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const redactedPlaceholder = "***REDACTED***"

// Level is a minimum log level.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// Config controls logger construction.
type Config struct {
	Level      Level
	Format     string // "json" or "text"
	Service    string
	Version    string
	AddCaller  bool
	TimeFormat string
}

// DefaultConfig returns sensible defaults for a long-running daemon.
func DefaultConfig() Config {
	return Config{
		Level:      LevelInfo,
		Format:     "json",
		AddCaller:  false,
		TimeFormat: time.RFC3339,
	}
}

// New creates a configured logrus.Logger.
func New(cfg Config) *logrus.Logger {
	logger := logrus.New()

	switch cfg.Level {
	case LevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LevelError:
		logger.SetLevel(logrus.ErrorLevel)
	case LevelFatal:
		logger.SetLevel(logrus.FatalLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: cfg.TimeFormat,
			FullTimestamp:   true,
		})
	} else {
		logger.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: cfg.TimeFormat,
		})
	}

	logger.SetReportCaller(cfg.AddCaller)
	return logger
}

// ContextLogger is a logger pinned to a growing set of structured fields.
type ContextLogger struct {
	logger  *logrus.Logger
	fields  logrus.Fields
	secrets []string
}

// NewContextLogger wraps a logrus.Logger with a base field set.
func NewContextLogger(logger *logrus.Logger, fields map[string]interface{}) *ContextLogger {
	base := make(logrus.Fields, len(fields))
	for k, v := range fields {
		base[k] = v
	}
	return &ContextLogger{logger: logger, fields: base}
}

// WithSecrets returns a copy of the logger that scrubs every occurrence of
// the given values out of any field logged from here on (SPEC_FULL.md
// §4.5 step 2, §8 invariant 8: "no secret value appears in any event
// payload or log line"), matching the touched-secrets list
// template.Render/RenderValue return for exactly this purpose.
func (cl *ContextLogger) WithSecrets(secrets []string) *ContextLogger {
	if len(secrets) == 0 {
		return cl
	}
	merged := make([]string, 0, len(cl.secrets)+len(secrets))
	merged = append(merged, cl.secrets...)
	merged = append(merged, secrets...)
	return &ContextLogger{logger: cl.logger, fields: cl.fields, secrets: merged}
}

// WithField returns a copy of the logger with an additional field.
func (cl *ContextLogger) WithField(key string, value interface{}) *ContextLogger {
	return cl.WithFields(map[string]interface{}{key: value})
}

// WithFields returns a copy of the logger with additional fields merged in,
// scrubbing any secret values this logger carries out of string values
// before they're attached.
func (cl *ContextLogger) WithFields(fields map[string]interface{}) *ContextLogger {
	merged := make(logrus.Fields, len(cl.fields)+len(fields))
	for k, v := range cl.fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = cl.redact(v)
	}
	return &ContextLogger{logger: cl.logger, fields: merged, secrets: cl.secrets}
}

// WithError attaches an error field, scrubbed of any secret values.
func (cl *ContextLogger) WithError(err error) *ContextLogger {
	return cl.WithField("error", err.Error())
}

func (cl *ContextLogger) redact(v interface{}) interface{} {
	s, ok := v.(string)
	if !ok || len(cl.secrets) == 0 {
		return v
	}
	for _, secret := range cl.secrets {
		if secret == "" {
			continue
		}
		s = strings.ReplaceAll(s, secret, redactedPlaceholder)
	}
	return s
}

// WithContext pulls well-known correlation values out of a context.Context.
func (cl *ContextLogger) WithContext(ctx context.Context) *ContextLogger {
	fields := map[string]interface{}{}
	for _, key := range []string{"execution_id", "queue_id", "worker_id", "event_id"} {
		if v := ctx.Value(contextKey(key)); v != nil {
			fields[key] = v
		}
	}
	return cl.WithFields(fields)
}

type contextKey string

// WithValue stores a correlation value for later extraction by WithContext.
func WithValue(ctx context.Context, key string, value interface{}) context.Context {
	return context.WithValue(ctx, contextKey(key), value)
}

func (cl *ContextLogger) Debug(msg string) { cl.logger.WithFields(cl.fields).Debug(msg) }
func (cl *ContextLogger) Info(msg string)  { cl.logger.WithFields(cl.fields).Info(msg) }
func (cl *ContextLogger) Warn(msg string)  { cl.logger.WithFields(cl.fields).Warn(msg) }
func (cl *ContextLogger) Error(msg string) { cl.logger.WithFields(cl.fields).Error(msg) }

func (cl *ContextLogger) Debugf(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Debugf(format, args...)
}
func (cl *ContextLogger) Infof(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Infof(format, args...)
}
func (cl *ContextLogger) Warnf(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Warnf(format, args...)
}
func (cl *ContextLogger) Errorf(format string, args ...interface{}) {
	cl.logger.WithFields(cl.fields).Errorf(format, args...)
}

// ServiceLogger builds a logger carrying fixed service/version fields.
func ServiceLogger(logger *logrus.Logger, service, version string) *ContextLogger {
	return NewContextLogger(logger, map[string]interface{}{
		"service": service,
		"version": version,
	})
}

// LogOperation runs fn, logging start, duration, and outcome.
func LogOperation(logger *ContextLogger, operation string, fn func() error) error {
	start := time.Now()
	logger.WithField("operation", operation).Info("operation started")

	err := fn()
	duration := time.Since(start)
	entry := logger.WithFields(map[string]interface{}{
		"operation":   operation,
		"duration_ms": duration.Milliseconds(),
	})
	if err != nil {
		entry.WithError(err).Error("operation failed")
		return err
	}
	entry.Info("operation completed")
	return nil
}

// RecoverPanic recovers from a panic and logs it with a stack trace.
func RecoverPanic(logger *ContextLogger) {
	if r := recover(); r != nil {
		buf := make([]byte, 4096)
		n := runtime.Stack(buf, false)
		logger.WithFields(map[string]interface{}{
			"panic":      fmt.Sprintf("%v", r),
			"stacktrace": string(buf[:n]),
		}).Error("panic recovered")
	}
}
