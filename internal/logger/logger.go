// Package logger provides a simple logging interface for vpcsh components.
// It allows packages to log debug, info, warn, and error messages without
// being coupled to a specific logging implementation. The default
// implementation is backed by logrus, optionally writing to a rotated file.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger defines the interface for logging operations.
// All methods accept a format string and arguments, similar to fmt.Printf.
type Logger interface {
	Debug(format string, args ...interface{})
	Info(format string, args ...interface{})
	Warn(format string, args ...interface{})
	Error(format string, args ...interface{})
}

// Options configures a logrus-backed Logger.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // text or json
	File   string // rotated log file; empty means stderr

	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Output overrides the destination (tests).
	Output io.Writer
}

// DebugEnv forces debug logging regardless of the configured level.
const DebugEnv = "VPCSH_DEBUG"

type logrusLogger struct {
	entry  *logrus.Entry
	prefix string
}

// New creates a logrus-backed logger. Unknown levels and formats are
// rejected so typos in the config file surface early.
func New(opts Options) (Logger, error) {
	l := logrus.New()

	levelName := opts.Level
	if levelName == "" {
		levelName = "warn"
	}
	if os.Getenv(DebugEnv) != "" {
		levelName = "debug"
	}
	level, err := logrus.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", opts.Level, err)
	}
	l.SetLevel(level)

	const timestampFormat = "2006-01-02 15:04:05.000"
	switch strings.ToLower(opts.Format) {
	case "", "text":
		l.SetFormatter(&logrus.TextFormatter{
			TimestampFormat: timestampFormat,
			FullTimestamp:   true,
		})
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: timestampFormat,
		})
	default:
		return nil, fmt.Errorf("unsupported log format %q", opts.Format)
	}

	switch {
	case opts.Output != nil:
		l.SetOutput(opts.Output)
	case opts.File != "":
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		l.SetOutput(&lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    orDefault(opts.MaxSizeMB, 10),
			MaxBackups: orDefault(opts.MaxBackups, 3),
			MaxAge:     orDefault(opts.MaxAgeDays, 28),
		})
	default:
		l.SetOutput(os.Stderr)
	}

	return &logrusLogger{entry: logrus.NewEntry(l)}, nil
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// WithPrefix returns a logger that prepends prefix (e.g. "[dispatch]") to
// every message. Loggers that aren't prefix-aware are returned unchanged.
func WithPrefix(l Logger, prefix string) Logger {
	switch v := l.(type) {
	case *logrusLogger:
		return &logrusLogger{entry: v.entry, prefix: prefix}
	case *BufferLogger:
		return &prefixedBuffer{buf: v, prefix: prefix}
	default:
		return l
	}
}

func (l *logrusLogger) msg(format string, args []interface{}) string {
	m := fmt.Sprintf(format, args...)
	if l.prefix == "" {
		return m
	}
	return l.prefix + " " + m
}

func (l *logrusLogger) Debug(format string, args ...interface{}) {
	if l.entry.Logger.IsLevelEnabled(logrus.DebugLevel) {
		l.entry.Debug(l.msg(format, args))
	}
}

func (l *logrusLogger) Info(format string, args ...interface{}) {
	l.entry.Info(l.msg(format, args))
}

func (l *logrusLogger) Warn(format string, args ...interface{}) {
	l.entry.Warn(l.msg(format, args))
}

func (l *logrusLogger) Error(format string, args ...interface{}) {
	l.entry.Error(l.msg(format, args))
}

// noopLogger implements Logger but discards all messages.
type noopLogger struct{}

// Noop returns a logger that discards all messages.
func Noop() Logger {
	return &noopLogger{}
}

func (l *noopLogger) Debug(format string, args ...interface{}) {}
func (l *noopLogger) Info(format string, args ...interface{})  {}
func (l *noopLogger) Warn(format string, args ...interface{})  {}
func (l *noopLogger) Error(format string, args ...interface{}) {}

// LogMessage represents a captured log message.
type LogMessage struct {
	Level   string
	Message string
}

// BufferLogger captures log messages for testing. Safe for concurrent use,
// since sessions log from their own goroutines.
type BufferLogger struct {
	mu       sync.Mutex
	Messages []LogMessage
}

// NewBufferLogger creates a logger that captures messages for inspection.
func NewBufferLogger() *BufferLogger {
	return &BufferLogger{
		Messages: make([]LogMessage, 0),
	}
}

func (l *BufferLogger) add(level, format string, args []interface{}) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Messages = append(l.Messages, LogMessage{Level: level, Message: fmt.Sprintf(format, args...)})
}

func (l *BufferLogger) Debug(format string, args ...interface{}) { l.add("debug", format, args) }
func (l *BufferLogger) Info(format string, args ...interface{})  { l.add("info", format, args) }
func (l *BufferLogger) Warn(format string, args ...interface{})  { l.add("warn", format, args) }
func (l *BufferLogger) Error(format string, args ...interface{}) { l.add("error", format, args) }

// HasLevel returns true if any message was logged at the given level.
func (l *BufferLogger) HasLevel(level string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, m := range l.Messages {
		if m.Level == level {
			return true
		}
	}
	return false
}

// Snapshot returns a copy of the captured messages.
func (l *BufferLogger) Snapshot() []LogMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]LogMessage, len(l.Messages))
	copy(out, l.Messages)
	return out
}

// Clear removes all captured messages.
func (l *BufferLogger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Messages = l.Messages[:0]
}

type prefixedBuffer struct {
	buf    *BufferLogger
	prefix string
}

func (p *prefixedBuffer) Debug(format string, args ...interface{}) {
	p.buf.add("debug", p.prefix+" "+format, args)
}
func (p *prefixedBuffer) Info(format string, args ...interface{}) {
	p.buf.add("info", p.prefix+" "+format, args)
}
func (p *prefixedBuffer) Warn(format string, args ...interface{}) {
	p.buf.add("warn", p.prefix+" "+format, args)
}
func (p *prefixedBuffer) Error(format string, args ...interface{}) {
	p.buf.add("error", p.prefix+" "+format, args)
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = Noop()
)

// Default returns the package-level default logger. It discards everything
// until the CLI installs a configured logger with SetDefault.
func Default() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetDefault sets the default logger for the package.
func SetDefault(l Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}
