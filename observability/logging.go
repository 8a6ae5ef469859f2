// Package observability holds the module's ambient logging and metrics
// setup: a logrus logger with level/format configuration and stream
// routing, plus the Prometheus collectors every pipeline, work queue,
// and scheduler phase reports through.
package observability

import (
	"bytes"
	"context"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// LogLevel is a minimum logging threshold.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// LoggerConfig configures NewLogger.
type LoggerConfig struct {
	Level      LogLevel
	Format     string // "json" or "text"
	Service    string
	TimeFormat string
}

// DefaultLoggerConfig returns sensible development defaults.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{Level: LogLevelInfo, Format: "text", TimeFormat: time.RFC3339}
}

// OutputSplitter routes formatted error-level lines to stderr and
// everything else to stdout, so container log collectors can treat the
// two streams differently without parsing structured fields themselves.
type OutputSplitter struct{}

func (OutputSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// NewLogger builds a logrus.Logger per cfg, always routed through
// OutputSplitter.
func NewLogger(cfg LoggerConfig) *logrus.Logger {
	logger := logrus.New()

	switch cfg.Level {
	case LogLevelDebug:
		logger.SetLevel(logrus.DebugLevel)
	case LogLevelWarn:
		logger.SetLevel(logrus.WarnLevel)
	case LogLevelError:
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}

	if cfg.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{TimestampFormat: cfg.TimeFormat})
	} else {
		logger.SetFormatter(&logrus.TextFormatter{TimestampFormat: cfg.TimeFormat, FullTimestamp: true})
	}
	logger.SetOutput(&OutputSplitter{})
	return logger
}

// ServiceLogger returns a *logrus.Entry pre-populated with the service
// field, the shape every dispatcher/scheduler/worker call site builds its
// per-run logger from.
func ServiceLogger(logger *logrus.Logger, service string) *logrus.Entry {
	if logger == nil {
		logger = NewLogger(DefaultLoggerConfig())
	}
	return logger.WithField("service", service)
}

// ContextFields extracts execution_id/batch_id/trace_id from ctx, if a
// caller has stashed them there, for use in ad-hoc log statements that
// don't already carry a scoped *logrus.Entry.
func ContextFields(ctx context.Context) logrus.Fields {
	fields := logrus.Fields{}
	for _, key := range []string{"execution_id", "batch_id", "trace_id"} {
		if v := ctx.Value(key); v != nil {
			fields[key] = v
		}
	}
	return fields
}
