package logging

import (
	"context"
	"log/slog"
)

type Attr = slog.Attr

func Bool(key string, value bool) Attr { return slog.Bool(key, value) }

func Int(key string, value int) Attr { return slog.Int(key, value) }

func String(key string, value string) Attr { return slog.String(key, value) }

// DiskUUID tags a record with the disk it concerns.
func DiskUUID(value string) Attr { return slog.String(FieldDiskUUID, value) }

// PID tags a record with a user code process ID.
func PID(value int) Attr { return slog.Int(FieldPID, value) }

// Topic tags a record with a bus topic.
func Topic(value string) Attr { return slog.String(FieldTopic, value) }

// RequestID tags a record with an RPC request ID.
func RequestID(value string) Attr { return slog.String(FieldRequestID, value) }

// Error returns the standard error attribute. A nil error is dropped by the
// JSON handler.
func Error(err error) Attr {
	return slog.Any("error", err)
}

// Args converts attrs into the variadic form slog methods accept.
func Args(attrs ...Attr) []any {
	args := make([]any, len(attrs))
	for i, attr := range attrs {
		args[i] = attr
	}
	return args
}

func NewNop() *slog.Logger {
	return slog.New(NoopHandler{})
}

// NewComponentLogger scopes logger to a component within a manager.
func NewComponentLogger(logger *slog.Logger, component string) *slog.Logger {
	if logger == nil {
		logger = NewNop()
	}
	return logger.With(String(FieldComponent, component))
}

// WarnWithContext logs a warning that always carries event_type, error_hint
// and impact. Missing fields get generic defaults.
func WarnWithContext(logger *slog.Logger, msg, eventType string, attrs ...Attr) {
	if logger == nil {
		return
	}
	attrs = withDefaults(attrs,
		String(FieldEventType, eventType),
		String(FieldErrorHint, "check the manager log for details"),
		String(FieldImpact, "the manager keeps running"),
	)
	logger.Warn(msg, Args(attrs...)...)
}

// ErrorFromFault logs err at error level with kind as its event type.
func ErrorFromFault(logger *slog.Logger, msg, kind string, err error, attrs ...Attr) {
	if logger == nil {
		return
	}
	if kind == "" {
		kind = "unknown"
	}
	attrs = withDefaults(append(attrs, Error(err)),
		String(FieldEventType, kind),
		String(FieldErrorHint, "check the manager log for details"),
	)
	logger.Error(msg, Args(attrs...)...)
}

func withDefaults(attrs []Attr, defaults ...Attr) []Attr {
	for _, def := range defaults {
		present := false
		for _, attr := range attrs {
			if attr.Key == def.Key {
				present = true
				break
			}
		}
		if !present {
			attrs = append(attrs, def)
		}
	}
	return attrs
}

// NoopHandler discards all log output.
type NoopHandler struct{}

func (NoopHandler) Enabled(context.Context, slog.Level) bool { return false }

func (NoopHandler) Handle(context.Context, slog.Record) error { return nil }

func (NoopHandler) WithAttrs([]slog.Attr) slog.Handler { return NoopHandler{} }

func (NoopHandler) WithGroup(string) slog.Handler { return NoopHandler{} }
