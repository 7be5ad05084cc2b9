// Package structlog provides JSON structured logging with levels and
// correlation-ID propagation for the rollout engine services.
package structlog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
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
	case LevelFatal:
		return "FATAL"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel maps a config string to a Level, defaulting to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	case "fatal":
		return LevelFatal
	default:
		return LevelInfo
	}
}

type ctxKeyCorrID struct{}

// Fields represents structured log fields.
type Fields map[string]any

// Logger writes one JSON object per line. Credential-looking fields are
// masked before encoding.
type Logger struct {
	service string
	level   Level
	output  io.Writer
	mu      sync.Mutex
	fields  Fields
}

// masked field name fragments; values are replaced wholesale.
var sensitive = []string{"password", "secret", "token", "apikey", "authorization"}

// New creates a structured logger for a service. A nil output defaults to
// stdout.
func New(serviceName string, level Level, output io.Writer) *Logger {
	if output == nil {
		output = os.Stdout
	}
	return &Logger{service: serviceName, level: level, output: output, fields: Fields{}}
}

// WithFields returns a logger carrying additional base fields.
func (l *Logger) WithFields(fields Fields) *Logger {
	nl := &Logger{service: l.service, level: l.level, output: l.output, fields: make(Fields, len(l.fields)+len(fields))}
	for k, v := range l.fields {
		nl.fields[k] = v
	}
	for k, v := range fields {
		nl.fields[k] = v
	}
	return nl
}

// WithContext attaches the context's correlation ID, if present.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := CorrelationID(ctx); id != "" {
		return l.WithFields(Fields{"correlation_id": id})
	}
	return l
}

func (l *Logger) Debug(msg string, fields Fields) { l.log(LevelDebug, msg, fields) }
func (l *Logger) Info(msg string, fields Fields)  { l.log(LevelInfo, msg, fields) }
func (l *Logger) Warn(msg string, fields Fields)  { l.log(LevelWarn, msg, fields) }
func (l *Logger) Error(msg string, fields Fields) { l.log(LevelError, msg, fields) }

// Fatal logs and exits the process.
func (l *Logger) Fatal(msg string, fields Fields) {
	l.log(LevelFatal, msg, fields)
	os.Exit(1)
}

// Audit logs an audit-trail action at info level with an audit marker.
func (l *Logger) Audit(action string, fields Fields) {
	if fields == nil {
		fields = Fields{}
	}
	fields["event_type"] = "audit"
	fields["audit_action"] = action
	l.log(LevelInfo, "AUDIT: "+action, fields)
}

func (l *Logger) log(level Level, msg string, fields Fields) {
	if level < l.level {
		return
	}
	all := make(Fields, len(l.fields)+len(fields)+5)
	for k, v := range l.fields {
		all[k] = v
	}
	for k, v := range fields {
		all[k] = v
	}
	all["timestamp"] = time.Now().UTC().Format(time.RFC3339Nano)
	all["level"] = level.String()
	all["service"] = l.service
	all["message"] = msg
	if level >= LevelError {
		if _, file, line, ok := runtime.Caller(2); ok {
			all["caller"] = fmt.Sprintf("%s:%d", file, line)
		}
	}
	for k := range all {
		lk := strings.ToLower(k)
		for _, pat := range sensitive {
			if strings.Contains(lk, pat) {
				all[k] = "MASKED"
				break
			}
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := json.NewEncoder(l.output).Encode(all); err != nil {
		fmt.Fprintf(os.Stderr, "LOG_ERROR: failed to encode log: %v\n", err)
	}
}

// SetLevel changes the threshold at runtime.
func (l *Logger) SetLevel(level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.level = level
}

// Correlation ID helpers.

// NewCorrelationID generates a fresh correlation ID.
func NewCorrelationID() string { return uuid.NewString() }

// WithCorrelationID returns a context carrying the given correlation ID.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyCorrID{}, id)
}

// CorrelationID extracts the correlation ID from ctx, or "".
func CorrelationID(ctx context.Context) string {
	if id, ok := ctx.Value(ctxKeyCorrID{}).(string); ok {
		return id
	}
	return ""
}

// EnsureCorrelationID returns ctx with a correlation ID, creating one when
// absent.
func EnsureCorrelationID(ctx context.Context) (context.Context, string) {
	if id := CorrelationID(ctx); id != "" {
		return ctx, id
	}
	id := NewCorrelationID()
	return WithCorrelationID(ctx, id), id
}
