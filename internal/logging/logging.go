// Package logging provides a leveled logger with colored output and
// timestamps, backed by logrus.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
)

// Level represents the logging level.
type Level int

const (
	// LevelError logs only errors.
	LevelError Level = iota
	// LevelWarn logs warnings and errors.
	LevelWarn
	// LevelInfo logs info, warnings, and errors.
	LevelInfo
	// LevelDebug logs debug messages and above.
	LevelDebug
	// LevelTrace logs everything including trace-level details.
	LevelTrace
)

// String returns the string representation of the log level.
func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERROR"
	case LevelWarn:
		return "WARN"
	case LevelInfo:
		return "INFO"
	case LevelDebug:
		return "DEBUG"
	case LevelTrace:
		return "TRACE"
	default:
		return "UNKNOWN"
	}
}

func (l Level) logrusLevel() logrus.Level {
	switch l {
	case LevelError:
		return logrus.ErrorLevel
	case LevelWarn:
		return logrus.WarnLevel
	case LevelInfo:
		return logrus.InfoLevel
	case LevelDebug:
		return logrus.DebugLevel
	case LevelTrace:
		return logrus.TraceLevel
	default:
		return logrus.InfoLevel
	}
}

// Logger provides leveled logging with optional color support. It wraps a
// *logrus.Logger; the public surface is kept stable across the call sites
// that predate the logrus backend.
type Logger struct {
	mu    sync.Mutex
	level Level
	base  *logrus.Logger
}

// NewLogger creates a new logger with the specified level. Color output is
// automatically enabled if writing to a terminal (logrus.TextFormatter's
// own TTY detection).
func NewLogger(level Level) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetLevel(level.logrusLevel())
	base.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return &Logger{level: level, base: base}
}

// SetOutput sets the output writer for the logger.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.base.SetOutput(w)
}

// SetColorEnabled explicitly enables or disables color output.
func (l *Logger) SetColorEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if f, ok := l.base.Formatter.(*logrus.TextFormatter); ok {
		f.ForceColors = enabled
		f.DisableColors = !enabled
	}
}

// SetLevel changes the logging level.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
	l.base.SetLevel(level.logrusLevel())
}

// GetLevel returns the current logging level.
func (l *Logger) GetLevel() Level {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.level
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...interface{}) {
	l.base.Errorf(format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...interface{}) {
	l.base.Warnf(format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...interface{}) {
	l.base.Infof(format, args...)
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, args ...interface{}) {
	l.base.Debugf(format, args...)
}

// Trace logs a trace message (most verbose).
func (l *Logger) Trace(format string, args ...interface{}) {
	l.base.Tracef(format, args...)
}

// Stats logs a statistics line at Info level, tagged with a
// "component=stats" field so it can be picked out by field. Like any Info
// line, it is suppressed when the level is below LevelInfo.
func (l *Logger) Stats(format string, args ...interface{}) {
	l.base.WithField("component", "stats").Infof(format, args...)
}

// ParseLevel parses a string into a Level.
// Valid values: error, warn, info, debug, trace (case-insensitive).
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "error":
		return LevelError, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "info":
		return LevelInfo, nil
	case "debug":
		return LevelDebug, nil
	case "trace":
		return LevelTrace, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level %q: must be error, warn, info, debug, or trace", s)
	}
}
