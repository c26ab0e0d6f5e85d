// Package logging provides structured component logging for litbatch.
package logging

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents log severity
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var (
	baseMu sync.RWMutex
	base   = zap.NewNop()
)

// Init builds the process-wide zap logger. format is "json" (default) or
// "console". Output goes to stderr so command output on stdout stays clean.
func Init(level, format string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch format {
	case "", "json":
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	case "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.DisableStacktrace = true
	default:
		return fmt.Errorf("invalid log format %q (want json or console)", format)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	z, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	SetBase(z)
	return nil
}

// SetBase replaces the process-wide zap logger.
func SetBase(z *zap.Logger) {
	if z == nil {
		z = zap.NewNop()
	}
	baseMu.Lock()
	base = z
	baseMu.Unlock()
}

// Base returns the process-wide zap logger.
func Base() *zap.Logger {
	baseMu.RLock()
	defer baseMu.RUnlock()
	return base
}

// Sync flushes buffered log entries.
func Sync() {
	_ = Base().Sync()
}

// Logger provides structured logging for one component. The zap core is
// looked up on every call so loggers created at package init pick up Init.
type Logger struct {
	component string
	session   string
	shard     int
	attempt   string
}

// New creates a new logger for a component
func New(component string) *Logger {
	return &Logger{component: component}
}

// WithSession sets the session context
func (l *Logger) WithSession(id string) *Logger {
	c := *l
	c.session = id
	return &c
}

// WithShard sets the shard context
func (l *Logger) WithShard(id int) *Logger {
	c := *l
	c.shard = id
	return &c
}

func (l *Logger) fields(extra map[string]interface{}, err error) []zap.Field {
	fields := make([]zap.Field, 0, len(extra)+4)
	fields = append(fields, zap.String("component", l.component))
	if l.session != "" {
		fields = append(fields, zap.String("session", l.session))
	}
	if l.shard > 0 {
		fields = append(fields, zap.Int("shard", l.shard))
	}
	if l.attempt != "" {
		fields = append(fields, zap.String("attempt_id", l.attempt))
	}

	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.Any(k, extra[k]))
	}

	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	return fields
}

// Debug logs a debug event
func (l *Logger) Debug(event string, extra map[string]interface{}) {
	Base().Debug(event, l.fields(extra, nil)...)
}

// Info logs an info event
func (l *Logger) Info(event string, extra map[string]interface{}) {
	Base().Info(event, l.fields(extra, nil)...)
}

// Warn logs a warning event
func (l *Logger) Warn(event string, extra map[string]interface{}, err error) {
	Base().Warn(event, l.fields(extra, err)...)
}

// Error logs an error event
func (l *Logger) Error(event string, extra map[string]interface{}, err error) {
	Base().Error(event, l.fields(extra, err)...)
}

// TimedEvent logs an event with duration
func (l *Logger) TimedEvent(event string, start time.Time, extra map[string]interface{}) {
	fields := l.fields(extra, nil)
	fields = append(fields, zap.Int64("duration_ms", time.Since(start).Milliseconds()))
	Base().Info(event, fields...)
}
