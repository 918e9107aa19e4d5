// Package logx provides structured logging functionality with context-aware debug logging.
package logx

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/term"
)

// Level is a logging severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Format selects the encoder used for log output.
type Format string

const (
	// FormatAuto picks console for terminals and JSON otherwise.
	FormatAuto    Format = "auto"
	FormatConsole Format = "console"
	FormatJSON    Format = "json"
)

// Config controls the process-wide logger.
type Config struct {
	Level   Level
	Format  Format
	Domains []string  // Debug domains to enable (empty = all)
	Output  io.Writer // Defaults to stderr
}

// Logger is a component-scoped printf-style logger.
type Logger struct {
	component string
	fields    []any
}

type debugSettings struct {
	enabled bool
	domains map[string]bool // nil = all domains
}

//nolint:gochecknoglobals // Process-wide logging state, guarded by mu
var (
	mu    sync.RWMutex
	base  *zap.Logger
	debug = debugSettings{}
)

type ctxKey struct{}

func init() { //nolint:gochecknoinits // Required for env var initialization
	initDebugFromEnv()
	base = build(Config{Level: LevelInfo, Format: FormatAuto})
}

// initDebugFromEnv reads DEBUG and DEBUG_DOMAINS.
func initDebugFromEnv() {
	mu.Lock()
	defer mu.Unlock()

	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		debug.enabled = true
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debug.domains = parseDomains(strings.Split(domains, ","))
	}
}

func parseDomains(domains []string) map[string]bool {
	if len(domains) == 0 {
		return nil
	}
	out := make(map[string]bool, len(domains))
	for _, d := range domains {
		if d = strings.TrimSpace(d); d != "" {
			out[d] = true
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func build(cfg Config) *zap.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	format := cfg.Format
	if format == "" || format == FormatAuto {
		format = FormatJSON
		if f, ok := out.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
			format = FormatConsole
		}
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	var enc zapcore.Encoder
	if format == FormatConsole {
		encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	level := zapcore.InfoLevel
	switch cfg.Level {
	case LevelDebug:
		level = zapcore.DebugLevel
	case LevelWarn:
		level = zapcore.WarnLevel
	case LevelError:
		level = zapcore.ErrorLevel
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(out), zap.NewAtomicLevelAt(level))
	return zap.New(core)
}

// Configure replaces the process-wide logger. A Debug level also enables
// domain-filtered debug logging.
func Configure(cfg Config) {
	logger := build(cfg)

	mu.Lock()
	defer mu.Unlock()
	old := base
	base = logger
	if cfg.Level == LevelDebug {
		debug.enabled = true
	}
	if len(cfg.Domains) > 0 {
		debug.domains = parseDomains(cfg.Domains)
	}
	if old != nil {
		_ = old.Sync()
	}
}

// SetDebugDomains configures which domains should have debug logging enabled.
func SetDebugDomains(domains []string) {
	mu.Lock()
	defer mu.Unlock()
	debug.domains = parseDomains(domains)
}

// SetDebugEnabled toggles debug logging.
func SetDebugEnabled(enabled bool) {
	mu.Lock()
	defer mu.Unlock()
	debug.enabled = enabled
}

// IsDebugEnabled returns whether debug logging is enabled.
func IsDebugEnabled() bool {
	mu.RLock()
	defer mu.RUnlock()
	return debug.enabled
}

// IsDebugEnabledForDomain returns whether debug logging is enabled for a specific domain.
func IsDebugEnabledForDomain(domain string) bool {
	mu.RLock()
	defer mu.RUnlock()

	if !debug.enabled {
		return false
	}
	if debug.domains == nil {
		return true
	}
	return debug.domains[domain]
}

// Sync flushes buffered log output.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

// NewLogger creates a logger tagged with the given component name.
func NewLogger(component string) *Logger {
	return &Logger{component: component}
}

// With returns a copy of the logger carrying extra key/value fields.
func (l *Logger) With(keysAndValues ...any) *Logger {
	fields := make([]any, 0, len(l.fields)+len(keysAndValues))
	fields = append(fields, l.fields...)
	fields = append(fields, keysAndValues...)
	return &Logger{component: l.component, fields: fields}
}

// Component returns the logger's component name.
func (l *Logger) Component() string {
	return l.component
}

func (l *Logger) sugar() *zap.SugaredLogger {
	s := current().Sugar().With("component", l.component)
	if len(l.fields) > 0 {
		s = s.With(l.fields...)
	}
	return s
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled() {
		return
	}
	l.sugar().Debugf(format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.sugar().Infof(format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.sugar().Warnf(format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.sugar().Errorf(format, args...)
}

// DebugState logs state transition information.
func (l *Logger) DebugState(action, state string, extra ...string) {
	extraInfo := ""
	if len(extra) > 0 {
		extraInfo = fmt.Sprintf(" - %s", extra[0])
	}
	l.Debug("State %s: %s%s", action, state, extraInfo)
}

// WithRunID stores the run ID on the context for domain debug logging.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, runID)
}

// RunID returns the run ID stored on ctx, or "unknown".
func RunID(ctx context.Context) string {
	if ctx != nil {
		if id, ok := ctx.Value(ctxKey{}).(string); ok && id != "" {
			return id
		}
	}
	return "unknown"
}

// Debug logs a debug message with context and domain filtering.
//
//	logx.Debug(ctx, "engine", "Transition %s -> %s", from, to)
//
// Environment variable control:
//
//	DEBUG=1                              # Enable debug for all domains
//	DEBUG=1 DEBUG_DOMAINS=engine         # Enable debug only for engine domain
//	DEBUG=1 DEBUG_DOMAINS=engine,itemloop
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	current().Sugar().With("run_id", RunID(ctx), "domain", domain).Debugf(format, args...)
}

// DebugFlow logs workflow step information with context and domain.
func DebugFlow(ctx context.Context, domain, step, status string, extra ...string) {
	extraInfo := ""
	if len(extra) > 0 {
		extraInfo = fmt.Sprintf(" - %s", extra[0])
	}
	Debug(ctx, domain, "Flow %s: %s%s", step, status, extraInfo)
}

//nolint:gochecknoglobals // Convenience logger for package-level helpers
var defaultLogger = NewLogger("system")

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
//
//	err := logx.Errorf("setup failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
//
//	if err != nil { return logx.Wrap(err, "db connect") }
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
