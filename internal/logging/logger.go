package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity level of a log message
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

var levelRank = map[LogLevel]int{
	LevelDebug: 0,
	LevelInfo:  1,
	LevelWarn:  2,
	LevelError: 3,
}

// ParseLevel maps a config string to a LogLevel. Unknown values yield LevelInfo.
func ParseLevel(s string) LogLevel {
	switch LogLevel(strings.ToLower(strings.TrimSpace(s))) {
	case LevelDebug:
		return LevelDebug
	case LevelWarn, "warning":
		return LevelWarn
	case LevelError:
		return LevelError
	default:
		return LevelInfo
	}
}

// sink is shared between a logger and the children created by With.
type sink struct {
	mu     sync.Mutex
	output io.Writer
	level  LogLevel
}

// Logger provides structured JSON logging with correlation ID support
type Logger struct {
	sink    *sink
	service string
	bound   map[string]interface{}
}

// LoggerOption is a function that configures a Logger
type LoggerOption func(*Logger)

// WithOutput sets the output writer for the logger
func WithOutput(w io.Writer) LoggerOption {
	return func(l *Logger) {
		l.sink.output = w
	}
}

// WithLevel sets the minimum log level
func WithLevel(level LogLevel) LoggerOption {
	return func(l *Logger) {
		l.sink.level = level
	}
}

// WithService sets the service name for logs
func WithService(service string) LoggerOption {
	return func(l *Logger) {
		l.service = service
	}
}

// NewLogger creates a new Logger with the specified options
func NewLogger(opts ...LoggerOption) *Logger {
	logger := &Logger{
		sink:    &sink{output: os.Stdout, level: LevelInfo},
		service: "trailcache",
	}

	for _, opt := range opts {
		opt(logger)
	}

	return logger
}

// Nop returns a logger that discards everything. Handy in tests.
func Nop() *Logger {
	return NewLogger(WithOutput(io.Discard), WithLevel(LevelError))
}

// With returns a child logger that adds the given key/value pairs to every entry.
// The child shares output and level with its parent.
func (l *Logger) With(fields ...interface{}) *Logger {
	_, extra := parseFields(fields)
	bound := make(map[string]interface{}, len(l.bound)+len(extra))
	for k, v := range l.bound {
		bound[k] = v
	}
	for k, v := range extra {
		bound[k] = v
	}
	return &Logger{sink: l.sink, service: l.service, bound: bound}
}

// SetLevel changes the minimum level at runtime, e.g. on config reload.
func (l *Logger) SetLevel(level LogLevel) {
	l.sink.mu.Lock()
	l.sink.level = level
	l.sink.mu.Unlock()
}

// Level returns the current minimum level.
func (l *Logger) Level() LogLevel {
	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	return l.sink.level
}

// logEntry represents a structured log entry
type logEntry struct {
	Timestamp     string                 `json:"timestamp"`
	Level         LogLevel               `json:"level"`
	Service       string                 `json:"service"`
	Message       string                 `json:"message"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
	CycleID       string                 `json:"cycle_id,omitempty"`
	Fields        map[string]interface{} `json:"fields,omitempty"`
}

func (l *Logger) outputLog(entry logEntry) {
	entry.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	entry.Service = l.service

	data, err := json.Marshal(entry)
	if err != nil {
		log.Printf("failed to marshal log entry: %v", err)
		return
	}

	l.sink.mu.Lock()
	defer l.sink.mu.Unlock()
	fmt.Fprintln(l.sink.output, string(data))
}

func (l *Logger) shouldLog(level LogLevel) bool {
	l.sink.mu.Lock()
	min := l.sink.level
	l.sink.mu.Unlock()
	return levelRank[level] >= levelRank[min]
}

func (l *Logger) log(level LogLevel, message string, correlationID string, fields map[string]interface{}) {
	l.logEntry(level, message, logEntry{CorrelationID: correlationID}, fields)
}

// logContext logs with the correlation and cycle IDs carried by ctx.
func (l *Logger) logContext(ctx context.Context, level LogLevel, message string, fields []interface{}) {
	_, fieldMap := parseFields(fields)
	l.logEntry(level, message, logEntry{CorrelationID: CorrelationID(ctx), CycleID: CycleID(ctx)}, fieldMap)
}

func (l *Logger) logEntry(level LogLevel, message string, entry logEntry, fields map[string]interface{}) {
	if !l.shouldLog(level) {
		return
	}

	if len(l.bound) > 0 {
		merged := make(map[string]interface{}, len(l.bound)+len(fields))
		for k, v := range l.bound {
			merged[k] = v
		}
		for k, v := range fields {
			merged[k] = v
		}
		fields = merged
	}
	if len(fields) == 0 {
		fields = nil
	}

	entry.Level = level
	entry.Message = message
	entry.Fields = fields
	l.outputLog(entry)
}

// Debug logs a debug message
func (l *Logger) Debug(message string, fields ...interface{}) {
	correlationID, fieldMap := parseFields(fields)
	l.log(LevelDebug, message, correlationID, fieldMap)
}

// Info logs an info message
func (l *Logger) Info(message string, fields ...interface{}) {
	correlationID, fieldMap := parseFields(fields)
	l.log(LevelInfo, message, correlationID, fieldMap)
}

// Warn logs a warning message
func (l *Logger) Warn(message string, fields ...interface{}) {
	correlationID, fieldMap := parseFields(fields)
	l.log(LevelWarn, message, correlationID, fieldMap)
}

// Error logs an error message
func (l *Logger) Error(message string, fields ...interface{}) {
	correlationID, fieldMap := parseFields(fields)
	l.log(LevelError, message, correlationID, fieldMap)
}

// DebugWithContext logs a debug message with the correlation and cycle IDs from ctx
func (l *Logger) DebugWithContext(ctx context.Context, message string, fields ...interface{}) {
	l.logContext(ctx, LevelDebug, message, fields)
}

// InfoWithContext logs an info message with the correlation and cycle IDs from ctx
func (l *Logger) InfoWithContext(ctx context.Context, message string, fields ...interface{}) {
	l.logContext(ctx, LevelInfo, message, fields)
}

// WarnWithContext logs a warning message with the correlation and cycle IDs from ctx
func (l *Logger) WarnWithContext(ctx context.Context, message string, fields ...interface{}) {
	l.logContext(ctx, LevelWarn, message, fields)
}

// ErrorWithContext logs an error message with the correlation and cycle IDs from ctx
func (l *Logger) ErrorWithContext(ctx context.Context, message string, fields ...interface{}) {
	l.logContext(ctx, LevelError, message, fields)
}

// parseFields parses variable number of key-value pairs into a map
// Expected format: key1, value1, key2, value2, ...
// error values are rendered with Error() so they survive JSON encoding.
func parseFields(fields []interface{}) (string, map[string]interface{}) {
	correlationID := ""
	fieldMap := make(map[string]interface{})

	for i := 0; i < len(fields); i++ {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}

		if key == "correlation_id" && i+1 < len(fields) {
			if id, ok := fields[i+1].(string); ok {
				correlationID = id
			}
		} else if i+1 < len(fields) {
			v := fields[i+1]
			if err, ok := v.(error); ok && err != nil {
				v = err.Error()
			}
			fieldMap[key] = v
		}
		i++
	}

	return correlationID, fieldMap
}
