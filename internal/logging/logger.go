package logging

import (
	"fmt"
	"reflect"
)

// Logger defines the minimal, printf-style logging contract every component
// depends on. Constructors accept a Logger; callers that have nothing to
// inject pass nil and get a component logger via OrNop/NewComponentLogger.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

type prefixLogger struct {
	inner  Logger
	prefix string
}

// WithPrefix scopes every line of inner with a fixed prefix, typically an
// agent or session identity.
func WithPrefix(inner Logger, prefix string) Logger {
	if IsNil(inner) {
		return Nop()
	}
	if prefix == "" {
		return inner
	}
	return &prefixLogger{inner: inner, prefix: prefix}
}

func (l *prefixLogger) Debug(format string, args ...any) {
	l.inner.Debug("%s "+format, append([]any{l.prefix}, args...)...)
}

func (l *prefixLogger) Info(format string, args ...any) {
	l.inner.Info("%s "+format, append([]any{l.prefix}, args...)...)
}

func (l *prefixLogger) Warn(format string, args ...any) {
	l.inner.Warn("%s "+format, append([]any{l.prefix}, args...)...)
}

func (l *prefixLogger) Error(format string, args ...any) {
	l.inner.Error("%s "+format, append([]any{l.prefix}, args...)...)
}

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}

type funcLogger struct {
	fn func(level, line string)
}

// FromFunc adapts a single sink function into a Logger. Used by tests and by
// the event bus to mirror warnings onto the stream.
func FromFunc(fn func(level, line string)) Logger {
	if fn == nil {
		return Nop()
	}
	return &funcLogger{fn: fn}
}

func (l *funcLogger) Debug(format string, args ...any) { l.fn("DEBUG", fmt.Sprintf(format, args...)) }
func (l *funcLogger) Info(format string, args ...any)  { l.fn("INFO", fmt.Sprintf(format, args...)) }
func (l *funcLogger) Warn(format string, args ...any)  { l.fn("WARN", fmt.Sprintf(format, args...)) }
func (l *funcLogger) Error(format string, args ...any) { l.fn("ERROR", fmt.Sprintf(format, args...)) }
