// Package log provides structured logging for discharge.
//
// The logging system supports multiple categories:
//   - System: Process lifecycle, configuration, connections
//   - Catalog: Query catalog loading, caching and hot reload
//   - Schema: Schema introspection and mental-health source detection
//   - Execution: Statement patching and execution
//   - Performance: Timing and row counts
//
// Each category can be configured independently with its own level.
// Entries are encoded by zap, either as console text or as JSON.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents a logging severity level.
type Level int32

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelOff // Disable logging entirely
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
	case LevelOff:
		return "OFF"
	default:
		return "UNKNOWN"
	}
}

// ParseLevel parses a level string.
func ParseLevel(s string) (Level, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "DEBUG":
		return LevelDebug, nil
	case "INFO", "":
		return LevelInfo, nil
	case "WARN", "WARNING":
		return LevelWarn, nil
	case "ERROR", "ERR":
		return LevelError, nil
	case "OFF", "NONE":
		return LevelOff, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// Category identifies the logging category.
type Category string

const (
	CategorySystem      Category = "system"
	CategoryCatalog     Category = "catalog"
	CategorySchema      Category = "schema"
	CategoryExecution   Category = "execution"
	CategoryPerformance Category = "performance"
)

var categories = []Category{
	CategorySystem,
	CategoryCatalog,
	CategorySchema,
	CategoryExecution,
	CategoryPerformance,
}

// Format specifies the output format.
type Format int

const (
	FormatText Format = iota // Human-readable console text
	FormatJSON               // Structured JSON
)

// ParseFormat parses "text" or "json".
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "text", "console", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %s", s)
	}
}

// Config holds logger configuration.
type Config struct {
	// Default level for all categories
	DefaultLevel Level

	// Per-category level overrides
	CategoryLevels map[Category]Level

	// Output (os.Stderr if nil)
	Output io.Writer
	Format Format

	// Include file:line of the caller in log entries
	IncludeCaller bool
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		DefaultLevel: LevelInfo,
		Output:       os.Stderr,
		Format:       FormatText,
	}
}

// Logger is the main logging interface.
type Logger struct {
	mu     sync.RWMutex
	levels map[Category]Level

	base  *zap.Logger
	named map[Category]*zap.SugaredLogger

	entriesLogged int64
}

// New creates a new logger with the given configuration.
func New(cfg Config) *Logger {
	if cfg.Output == nil {
		cfg.Output = os.Stderr
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "time"
	encCfg.NameKey = "category"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch cfg.Format {
	case FormatJSON:
		encoder = zapcore.NewJSONEncoder(encCfg)
	default:
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	}

	// Level gating happens per category in log(); the core accepts everything.
	core := zapcore.NewCore(encoder, zapcore.AddSync(cfg.Output), zapcore.DebugLevel)

	var opts []zap.Option
	if cfg.IncludeCaller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(2))
	}

	l := &Logger{
		levels: make(map[Category]Level),
		base:   zap.New(core, opts...),
		named:  make(map[Category]*zap.SugaredLogger),
	}

	for _, cat := range categories {
		l.levels[cat] = cfg.DefaultLevel
		l.named[cat] = l.base.Named(string(cat)).Sugar()
	}
	for cat, level := range cfg.CategoryLevels {
		l.levels[cat] = level
	}

	return l
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return New(Config{DefaultLevel: LevelOff, Output: io.Discard})
}

// SetLevel sets the log level for a category.
func (l *Logger) SetLevel(cat Category, level Level) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.levels[cat] = level
}

// Enabled reports whether a level is enabled for a category.
func (l *Logger) Enabled(cat Category, level Level) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	catLevel, ok := l.levels[cat]
	if !ok {
		return false
	}
	return catLevel != LevelOff && level >= catLevel
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.base.Sync()
}

// Logged returns the number of entries written.
func (l *Logger) Logged() int64 {
	return atomic.LoadInt64(&l.entriesLogged)
}

// System returns a category logger for system events.
func (l *Logger) System() *CategoryLogger {
	return &CategoryLogger{logger: l, category: CategorySystem}
}

// Catalog returns a category logger for query catalog events.
func (l *Logger) Catalog() *CategoryLogger {
	return &CategoryLogger{logger: l, category: CategoryCatalog}
}

// Schema returns a category logger for schema introspection events.
func (l *Logger) Schema() *CategoryLogger {
	return &CategoryLogger{logger: l, category: CategorySchema}
}

// Execution returns a category logger for patching and execution events.
func (l *Logger) Execution() *CategoryLogger {
	return &CategoryLogger{logger: l, category: CategoryExecution}
}

// Performance returns a category logger for timing events.
func (l *Logger) Performance() *CategoryLogger {
	return &CategoryLogger{logger: l, category: CategoryPerformance}
}

func (l *Logger) log(level Level, cat Category, msg string, err error, fields ...interface{}) {
	if !l.Enabled(cat, level) {
		return
	}

	l.mu.RLock()
	s := l.named[cat]
	l.mu.RUnlock()
	if s == nil {
		return
	}

	if err != nil {
		fields = append(fields, "error", err.Error())
	}

	switch level {
	case LevelDebug:
		s.Debugw(msg, fields...)
	case LevelInfo:
		s.Infow(msg, fields...)
	case LevelWarn:
		s.Warnw(msg, fields...)
	default:
		s.Errorw(msg, fields...)
	}
	atomic.AddInt64(&l.entriesLogged, 1)
}

// CategoryLogger is a logger bound to a specific category.
type CategoryLogger struct {
	logger   *Logger
	category Category
	fields   []interface{}
}

func (cl *CategoryLogger) Debug(msg string, fields ...interface{}) {
	cl.logger.log(LevelDebug, cl.category, msg, nil, cl.with(fields)...)
}

func (cl *CategoryLogger) Info(msg string, fields ...interface{}) {
	cl.logger.log(LevelInfo, cl.category, msg, nil, cl.with(fields)...)
}

func (cl *CategoryLogger) Warn(msg string, fields ...interface{}) {
	cl.logger.log(LevelWarn, cl.category, msg, nil, cl.with(fields)...)
}

func (cl *CategoryLogger) Error(msg string, err error, fields ...interface{}) {
	cl.logger.log(LevelError, cl.category, msg, err, cl.with(fields)...)
}

// WithFields returns a copy of the category logger with preset fields.
func (cl *CategoryLogger) WithFields(fields ...interface{}) *CategoryLogger {
	return &CategoryLogger{
		logger:   cl.logger,
		category: cl.category,
		fields:   cl.with(fields),
	}
}

func (cl *CategoryLogger) with(fields []interface{}) []interface{} {
	if len(cl.fields) == 0 {
		return fields
	}
	out := make([]interface{}, 0, len(cl.fields)+len(fields))
	out = append(out, cl.fields...)
	return append(out, fields...)
}

type contextKey int

const (
	contextKeyRequestID contextKey = iota
	contextKeyLogger
)

// NewRequestID returns a fresh request identifier.
func NewRequestID() string {
	return uuid.NewString()
}

// WithRequestID adds a request ID to the context.
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, contextKeyRequestID, requestID)
}

// RequestIDFromContext retrieves the request ID from context.
func RequestIDFromContext(ctx context.Context) string {
	if id, ok := ctx.Value(contextKeyRequestID).(string); ok {
		return id
	}
	return ""
}

// WithLogger adds a logger to the context.
func WithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, contextKeyLogger, logger)
}

// FromContext retrieves the logger from context, or a no-op logger.
func FromContext(ctx context.Context) *Logger {
	if l, ok := ctx.Value(contextKeyLogger).(*Logger); ok {
		return l
	}
	return Nop()
}
