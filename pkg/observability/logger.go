// Package observability provides unified logging for the gateway. It
// follows a consistent approach across all components: structured fields,
// a pluggable output format, and per-component prefixes.
package observability

import (
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"time"
)

// LogLevel defines log message severity
type LogLevel string

// Log levels
const (
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

var levelHierarchy = map[LogLevel]int{
	LogLevelDebug: 0,
	LogLevelInfo:  1,
	LogLevelWarn:  2,
	LogLevelError: 3,
	LogLevelFatal: 4,
}

// ParseLevel converts a configuration string to a LogLevel
func ParseLevel(s string) LogLevel {
	switch s {
	case "debug", "DEBUG":
		return LogLevelDebug
	case "warn", "WARN", "warning":
		return LogLevelWarn
	case "error", "ERROR":
		return LogLevelError
	default:
		return LogLevelInfo
	}
}

// Logger is the logging interface used throughout the gateway
type Logger interface {
	Debug(msg string, fields map[string]interface{})
	Info(msg string, fields map[string]interface{})
	Warn(msg string, fields map[string]interface{})
	Error(msg string, fields map[string]interface{})
	Fatal(msg string, fields map[string]interface{})

	// With returns a logger that attaches fields to every message
	With(fields map[string]interface{}) Logger
	// WithPrefix returns a logger scoped to a component name
	WithPrefix(prefix string) Logger
}

// Format selects the output rendering
type Format string

// Output formats
const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// StandardLogger writes timestamped, levelled log lines to an io.Writer
type StandardLogger struct {
	prefix string
	level  LogLevel
	format Format
	out    io.Writer
	base   map[string]interface{}
}

// NewLogger creates a logger with the given prefix at INFO level writing
// pretty lines to stderr.
func NewLogger(prefix string) Logger {
	return &StandardLogger{
		prefix: prefix,
		level:  LogLevelInfo,
		format: FormatPretty,
		out:    os.Stderr,
	}
}

// NewLoggerWithOptions creates a fully configured logger.
func NewLoggerWithOptions(prefix string, level LogLevel, format Format, out io.Writer) Logger {
	if out == nil {
		out = os.Stderr
	}
	if format != FormatJSON {
		format = FormatPretty
	}
	return &StandardLogger{prefix: prefix, level: level, format: format, out: out}
}

// Debug logs a debug message
func (l *StandardLogger) Debug(msg string, fields map[string]interface{}) {
	if l.levelEnabled(LogLevelDebug) {
		l.log(LogLevelDebug, msg, fields)
	}
}

// Info logs an info message
func (l *StandardLogger) Info(msg string, fields map[string]interface{}) {
	if l.levelEnabled(LogLevelInfo) {
		l.log(LogLevelInfo, msg, fields)
	}
}

// Warn logs a warning message
func (l *StandardLogger) Warn(msg string, fields map[string]interface{}) {
	if l.levelEnabled(LogLevelWarn) {
		l.log(LogLevelWarn, msg, fields)
	}
}

// Error logs an error message
func (l *StandardLogger) Error(msg string, fields map[string]interface{}) {
	l.log(LogLevelError, msg, fields)
}

// Fatal logs a fatal message and exits
func (l *StandardLogger) Fatal(msg string, fields map[string]interface{}) {
	l.log(LogLevelFatal, msg, fields)
	os.Exit(1)
}

// With returns a new logger carrying fields on every message
func (l *StandardLogger) With(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.base)+len(fields))
	for k, v := range l.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	return &StandardLogger{prefix: l.prefix, level: l.level, format: l.format, out: l.out, base: merged}
}

// WithPrefix returns a new logger with the given prefix
func (l *StandardLogger) WithPrefix(prefix string) Logger {
	return &StandardLogger{prefix: prefix, level: l.level, format: l.format, out: l.out, base: l.base}
}

func (l *StandardLogger) levelEnabled(level LogLevel) bool {
	return levelHierarchy[level] >= levelHierarchy[l.level]
}

func (l *StandardLogger) log(level LogLevel, msg string, fields map[string]interface{}) {
	timestamp := time.Now().UTC().Format(time.RFC3339Nano)

	if len(l.base) > 0 {
		merged := make(map[string]interface{}, len(l.base)+len(fields))
		for k, v := range l.base {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		fields = merged
	}

	if l.format == FormatJSON {
		entry := map[string]interface{}{
			"timestamp": timestamp,
			"level":     string(level),
			"logger":    l.prefix,
			"message":   msg,
		}
		for k, v := range fields {
			if err, ok := v.(error); ok {
				entry[k] = err.Error()
				continue
			}
			entry[k] = v
		}
		line, err := json.Marshal(entry)
		if err != nil {
			// fall back to a plain line rather than dropping the event
			fmt.Fprintf(l.out, "%s [%s] [%s] %s (marshal failed: %v)\n", timestamp, level, l.prefix, msg, err)
			return
		}
		fmt.Fprintln(l.out, string(line))
		return
	}

	fmt.Fprintf(l.out, "%s [%s] [%s] %s%s\n", timestamp, level, l.prefix, msg, formatFields(fields))
}

func formatFields(fields map[string]interface{}) string {
	if len(fields) == 0 {
		return ""
	}
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	result := ""
	for _, k := range keys {
		result += fmt.Sprintf(" %s=%v", k, fields[k])
	}
	return result
}

// Setup builds the root logger from configuration values and points the
// standard library logger at the same destination.
func Setup(level, format, file string) (Logger, func(), error) {
	out := io.Writer(os.Stderr)
	cleanup := func() {}

	if file != "" {
		f, err := os.OpenFile(file, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(os.Stderr, f)
		cleanup = func() { _ = f.Close() }
	}

	log.SetOutput(out)
	return NewLoggerWithOptions("gateway", ParseLevel(level), Format(format), out), cleanup, nil
}
