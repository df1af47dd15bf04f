package sockio

import "log/slog"

// Logger is the interface for structured logging.
// *slog.Logger satisfies it; applications can plug in their own implementation.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// fieldLogger prepends a fixed set of key-value pairs to every record,
// for example the socket or client identifier.
type fieldLogger struct {
	base   Logger
	fields []any
}

// withFields returns a Logger that attaches fields to every call.
// Nested calls flatten so the field list is never wrapped twice.
func withFields(l Logger, fields ...any) Logger {
	if l == nil {
		l = defaultLogger()
	}
	if fl, ok := l.(*fieldLogger); ok {
		merged := make([]any, 0, len(fl.fields)+len(fields))
		merged = append(merged, fl.fields...)
		merged = append(merged, fields...)
		return &fieldLogger{base: fl.base, fields: merged}
	}
	return &fieldLogger{base: l, fields: fields}
}

func (l *fieldLogger) args(args []any) []any {
	out := make([]any, 0, len(l.fields)+len(args))
	out = append(out, l.fields...)
	return append(out, args...)
}

func (l *fieldLogger) Debug(msg string, args ...any) { l.base.Debug(msg, l.args(args)...) }
func (l *fieldLogger) Info(msg string, args ...any)  { l.base.Info(msg, l.args(args)...) }
func (l *fieldLogger) Warn(msg string, args ...any)  { l.base.Warn(msg, l.args(args)...) }
func (l *fieldLogger) Error(msg string, args ...any) { l.base.Error(msg, l.args(args)...) }
