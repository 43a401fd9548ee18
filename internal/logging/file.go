package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"time"
)

// Level represents the severity of a log line.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

var (
	defaultSink *FileLogger
	sinkOnce    sync.Once
	sinkPath    = func() string {
		home, err := os.UserHomeDir()
		if err != nil {
			return "finger-daemon.log"
		}
		return filepath.Join(home, ".finger", "daemon.log")
	}
)

// FileLogger appends formatted, redacted lines to the daemon log file and
// optionally mirrors them to stderr.
type FileLogger struct {
	mu        sync.Mutex
	file      *os.File
	out       *log.Logger
	level     Level
	component string
	mirror    io.Writer
}

// DefaultSink returns the process-wide daemon.log writer, creating it (and
// its parent directory) on first use. The sink never fails; when the file
// cannot be opened it degrades to stderr only.
func DefaultSink() *FileLogger {
	sinkOnce.Do(func() {
		defaultSink = newFileLogger(sinkPath(), LevelDebug)
	})
	return defaultSink
}

// NewComponentLogger returns the default sink scoped to a component name.
func NewComponentLogger(component string) Logger {
	return DefaultSink().Component(component)
}

func newFileLogger(path string, level Level) *FileLogger {
	l := &FileLogger{level: level, mirror: os.Stderr}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return l
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return l
	}
	l.file = file
	l.out = log.New(file, "", 0)
	return l
}

// NewFileLogger opens (or creates) an append-only log file at path. Intended
// for tests and for diagnostic side channels.
func NewFileLogger(path string, level Level) *FileLogger {
	return newFileLogger(path, level)
}

// Component returns a shallow copy bound to the given component name. Copies
// share the underlying file and mutex through the parent.
func (l *FileLogger) Component(component string) *FileLogger {
	return &FileLogger{
		file:      l.file,
		out:       l.out,
		level:     l.level,
		component: component,
		mirror:    l.mirror,
	}
}

// SetLevel sets the minimum level emitted by this logger.
func (l *FileLogger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// SetMirror replaces the secondary writer (stderr by default, nil disables).
func (l *FileLogger) SetMirror(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.mirror = w
}

// Close closes the underlying file.
func (l *FileLogger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *FileLogger) emit(level Level, format string, args ...any) {
	if level < l.level {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	component := l.component
	if component == "" {
		component = "FINGER"
	}

	// 2026-01-02 15:04:05 [INFO] [bus] emit.go:42 - message
	stamp := time.Now().Format("2006-01-02 15:04:05")
	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		stamp, level.String(), component, file, line, message)
	logLine = Redact(logLine)

	if l.out != nil {
		l.out.Print(logLine)
	}
	if l.mirror != nil {
		fmt.Fprint(l.mirror, logLine)
	}
}

func (l *FileLogger) Debug(format string, args ...any) { l.emit(LevelDebug, format, args...) }
func (l *FileLogger) Info(format string, args ...any)  { l.emit(LevelInfo, format, args...) }
func (l *FileLogger) Warn(format string, args ...any)  { l.emit(LevelWarn, format, args...) }
func (l *FileLogger) Error(format string, args ...any) { l.emit(LevelError, format, args...) }
