// Package telemetry provides structured logging shared across the
// validator's components.
package telemetry

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ContextKey namespaces values this package stashes on a context.Context.
type ContextKey string

const (
	TraceIDKey   ContextKey = "trace_id"
	ExecutorIDKey ContextKey = "executor_id"
	MinerUIDKey  ContextKey = "miner_uid"
)

// Logger wraps logrus.Logger with the component name baked into every entry.
type Logger struct {
	*logrus.Logger
	component string
}

// New builds a Logger for component, with the given level ("debug",
// "info", "warn", "error") and format ("json" or "text").
func New(component, level, format string) *Logger {
	base := logrus.New()

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)

	if strings.EqualFold(format, "text") {
		base.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: time.RFC3339,
			FullTimestamp:   true,
		})
	} else {
		base.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	}
	base.SetOutput(os.Stdout)

	return &Logger{Logger: base, component: component}
}

// NewFromEnv reads LOG_LEVEL/LOG_FORMAT, defaulting to info/json.
func NewFromEnv(component string) *Logger {
	level := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if level == "" {
		level = "info"
	}
	format := strings.TrimSpace(os.Getenv("LOG_FORMAT"))
	if format == "" {
		format = "json"
	}
	return New(component, level, format)
}

// WithContext returns an entry carrying the component plus any
// trace/executor/miner identifiers stashed on ctx.
func (l *Logger) WithContext(ctx context.Context) *logrus.Entry {
	entry := l.Logger.WithField("component", l.component)
	if v := ctx.Value(TraceIDKey); v != nil {
		entry = entry.WithField("trace_id", v)
	}
	if v := ctx.Value(ExecutorIDKey); v != nil {
		entry = entry.WithField("executor_id", v)
	}
	if v := ctx.Value(MinerUIDKey); v != nil {
		entry = entry.WithField("miner_uid", v)
	}
	return entry
}

// WithFields is a convenience wrapper that also stamps the component.
func (l *Logger) WithFields(fields logrus.Fields) *logrus.Entry {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["component"] = l.component
	return l.Logger.WithFields(fields)
}

// NewTraceID mints a fresh trace identifier.
func NewTraceID() string { return uuid.NewString() }

// WithTraceID stashes a trace id on ctx.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

// WithExecutorID stashes an executor id on ctx.
func WithExecutorID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ExecutorIDKey, id)
}

// LogCritical flags an InternalInvariant-class event at Error level with
// a critical=true marker field, matching spec 4.10/7's "log CRITICAL"
// language for compensation failures.
func (l *Logger) LogCritical(ctx context.Context, message string, err error, fields logrus.Fields) {
	if fields == nil {
		fields = logrus.Fields{}
	}
	fields["critical"] = true
	entry := l.WithContext(ctx).WithFields(fields)
	if err != nil {
		entry = entry.WithError(err)
	}
	entry.Error(message)
}
