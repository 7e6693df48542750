package metabase

import (
	"crypto/rand"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Logger is the structured logger used for debug output. Arguments are
// alternating key/value pairs as in log/slog.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// DebugConfig selects which internal events are logged.
type DebugConfig struct {
	Enabled      bool
	LogRequests  bool
	LogRetries   bool
	LogCache     bool
	LogSession   bool
	RequestIDGen func() string
}

// DefaultDebugConfig logs everything and tags requests with ULIDs.
func DefaultDebugConfig() *DebugConfig {
	return &DebugConfig{
		Enabled:      true,
		LogRequests:  true,
		LogRetries:   true,
		LogCache:     true,
		LogSession:   true,
		RequestIDGen: generateRequestID,
	}
}

// The flag accessors are safe on a nil config, which disables debug output.
func (d *DebugConfig) logRequests() bool { return d != nil && d.Enabled && d.LogRequests }
func (d *DebugConfig) logRetries() bool  { return d != nil && d.Enabled && d.LogRetries }
func (d *DebugConfig) logCache() bool    { return d != nil && d.Enabled && d.LogCache }
func (d *DebugConfig) logSession() bool  { return d != nil && d.Enabled && d.LogSession }

func generateRequestID() string {
	return "req_" + ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// LoggerConfig configures NewLogger.
type LoggerConfig struct {
	// Level is one of debug, info, warn or error.
	Level string
	// Format is json or text.
	Format    string
	Output    io.Writer
	AddSource bool
}

type slogLogger struct {
	logger *slog.Logger
}

// NewLogger builds a slog backed Logger. Attributes whose key names a
// secret are replaced before they reach the handler.
func NewLogger(cfg LoggerConfig) Logger {
	opts := &slog.HandlerOptions{
		Level:     parseLevel(cfg.Level),
		AddSource: cfg.AddSource,
		ReplaceAttr: func(_ []string, a slog.Attr) slog.Attr {
			return redactAttr(a)
		},
	}

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "text", "console":
		handler = slog.NewTextHandler(out, opts)
	default:
		handler = slog.NewJSONHandler(out, opts)
	}
	return &slogLogger{logger: slog.New(handler)}
}

// NewSimpleLogger writes text lines at debug level to stderr.
func NewSimpleLogger() Logger {
	return NewLogger(LoggerConfig{Level: "debug", Format: "text"})
}

// FromSlog adapts an existing *slog.Logger. No redaction is added.
func FromSlog(l *slog.Logger) Logger {
	if l == nil {
		l = slog.Default()
	}
	return &slogLogger{logger: l}
}

func (l *slogLogger) Debug(msg string, args ...any) { l.logger.Debug(msg, args...) }
func (l *slogLogger) Info(msg string, args ...any)  { l.logger.Info(msg, args...) }
func (l *slogLogger) Warn(msg string, args ...any)  { l.logger.Warn(msg, args...) }
func (l *slogLogger) Error(msg string, args ...any) { l.logger.Error(msg, args...) }

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// NopLogger discards everything.
func NopLogger() Logger { return nopLogger{} }

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

var sensitiveKeys = []string{
	"password",
	"secret",
	"token",
	"apikey",
	"api_key",
	"credential",
	"authorization",
	"x-metabase-session",
	"x-api-key",
}

func redactAttr(a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindGroup {
		return a
	}
	key := strings.ToLower(a.Key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return slog.String(a.Key, redacted)
		}
	}
	return a
}
