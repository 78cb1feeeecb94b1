package webcall

import (
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"sync"
)

// LogLevel represents the severity level of a log message
type LogLevel int

const (
	// LogLevelDebug logs everything including detailed debugging information
	LogLevelDebug LogLevel = iota
	// LogLevelInfo logs informational messages and above
	LogLevelInfo
	// LogLevelWarn logs warnings and above
	LogLevelWarn
	// LogLevelError logs only errors
	LogLevelError
	// LogLevelOff disables all logging
	LogLevelOff
)

// EnvLogLevel names the environment variable read by NewLoggerFromEnv.
const EnvLogLevel = "WEBCALL_LOG_LEVEL"

// String returns the string representation of a LogLevel
func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	case LogLevelOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel converts a string to LogLevel. Unknown values map to INFO.
func ParseLogLevel(level string) LogLevel {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return LogLevelDebug
	case "INFO":
		return LogLevelInfo
	case "WARN", "WARNING":
		return LogLevelWarn
	case "ERROR":
		return LogLevelError
	case "OFF", "NONE":
		return LogLevelOff
	default:
		return LogLevelInfo
	}
}

// Logger provides structured logging with configurable levels.
// Fields are printed as key=value pairs sorted by key.
type Logger struct {
	mu     sync.RWMutex
	level  LogLevel
	prefix string
	logger *log.Logger
}

// NewLogger creates a new structured logger writing to stderr.
func NewLogger(level LogLevel) *Logger {
	return &Logger{
		level:  level,
		prefix: "[webcall]",
		logger: log.New(os.Stderr, "", log.LstdFlags|log.Lmicroseconds),
	}
}

// NewLoggerFromEnv creates a logger with its level taken from WEBCALL_LOG_LEVEL.
func NewLoggerFromEnv() *Logger {
	return NewLogger(ParseLogLevel(os.Getenv(EnvLogLevel)))
}

// SetLevel updates the logger's minimum level
func (l *Logger) SetLevel(level LogLevel) {
	l.mu.Lock()
	l.level = level
	l.mu.Unlock()
}

// Level returns the logger's minimum level.
func (l *Logger) Level() LogLevel {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.level
}

// SetPrefix updates the logger's prefix
func (l *Logger) SetPrefix(prefix string) {
	l.mu.Lock()
	l.prefix = prefix
	l.mu.Unlock()
}

// SetOutput redirects log output.
func (l *Logger) SetOutput(w io.Writer) {
	l.logger.SetOutput(w)
}

// Debug logs debug-level messages
func (l *Logger) Debug(event string, fields map[string]any) {
	l.log(LogLevelDebug, event, fields)
}

// Info logs info-level messages
func (l *Logger) Info(event string, fields map[string]any) {
	l.log(LogLevelInfo, event, fields)
}

// Warn logs warning-level messages
func (l *Logger) Warn(event string, fields map[string]any) {
	l.log(LogLevelWarn, event, fields)
}

// Error logs error-level messages
func (l *Logger) Error(event string, fields map[string]any) {
	l.log(LogLevelError, event, fields)
}

func (l *Logger) log(level LogLevel, event string, fields map[string]any) {
	l.mu.RLock()
	min, prefix := l.level, l.prefix
	l.mu.RUnlock()
	if level < min || min == LogLevelOff {
		return
	}

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "%s [%s] %s", prefix, level, event)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	l.logger.Print(b.String())
}

// LoggerFunc creates a logger function compatible with the Config.Logger field
func (l *Logger) LoggerFunc() func(string, map[string]any) {
	return func(event string, fields map[string]any) {
		l.Info(event, fields)
	}
}

// WithContext returns a logger that includes additional context in all log messages
func (l *Logger) WithContext(context map[string]any) *ContextLogger {
	return &ContextLogger{Logger: l, context: context}
}

// ContextLogger wraps a Logger with fields added to every message.
type ContextLogger struct {
	*Logger
	context map[string]any
}

func (cl *ContextLogger) mergeFields(fields map[string]any) map[string]any {
	merged := make(map[string]any, len(cl.context)+len(fields))
	for k, v := range cl.context {
		merged[k] = v
	}
	// message fields override context
	for k, v := range fields {
		merged[k] = v
	}
	return merged
}

// Debug logs debug-level messages with context
func (cl *ContextLogger) Debug(event string, fields map[string]any) {
	cl.Logger.Debug(event, cl.mergeFields(fields))
}

// Info logs info-level messages with context
func (cl *ContextLogger) Info(event string, fields map[string]any) {
	cl.Logger.Info(event, cl.mergeFields(fields))
}

// Warn logs warning-level messages with context
func (cl *ContextLogger) Warn(event string, fields map[string]any) {
	cl.Logger.Warn(event, cl.mergeFields(fields))
}

// Error logs error-level messages with context
func (cl *ContextLogger) Error(event string, fields map[string]any) {
	cl.Logger.Error(event, cl.mergeFields(fields))
}

// eventLog routes component logging to the StructuredLogger or the plain
// Logger func of a Config, whichever is set.
type eventLog struct {
	structured *Logger
	fn         func(string, map[string]any)
	context    map[string]any
}

func newEventLog(cfg Config, context map[string]any) eventLog {
	return eventLog{structured: cfg.StructuredLogger, fn: cfg.Logger, context: context}
}

func (e eventLog) with(context map[string]any) eventLog {
	merged := make(map[string]any, len(e.context)+len(context))
	for k, v := range e.context {
		merged[k] = v
	}
	for k, v := range context {
		merged[k] = v
	}
	e.context = merged
	return e
}

func (e eventLog) info(event string, fields map[string]any) {
	e.emit(LogLevelInfo, event, fields)
}

func (e eventLog) debug(event string, fields map[string]any) {
	e.emit(LogLevelDebug, event, fields)
}

func (e eventLog) warn(event string, fields map[string]any) {
	e.emit(LogLevelWarn, event, fields)
}

func (e eventLog) error(event string, fields map[string]any) {
	e.emit(LogLevelError, event, fields)
}

func (e eventLog) emit(level LogLevel, event string, fields map[string]any) {
	if e.structured == nil && e.fn == nil {
		return
	}
	merged := (&ContextLogger{context: e.context}).mergeFields(fields)
	if e.structured != nil {
		e.structured.log(level, event, merged)
		return
	}
	if level >= LogLevelError {
		event = "ERROR: " + event
	}
	e.fn(event, merged)
}
