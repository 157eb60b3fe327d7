// Package logging provides structured logging with slog for provcert.
//
// Loggers share a level variable, so SetLevel on the root logger also
// applies to every component logger derived from it. Attribute values are
// redacted when the key names a secret (token, access code, signature,
// key material) and whenever a string value has the shape of a
// verification token, regardless of its key.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"provcert/internal/security"
)

// Level is a logging level.
type Level = slog.Level

const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// ParseLevel parses debug, info, warn (or warning) and error.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	}
	return LevelInfo, fmt.Errorf("unknown log level: %s", s)
}

// Format is the log line encoding.
type Format string

const (
	FormatText Format = "text"
	FormatJSON Format = "json"
)

// ParseFormat parses "text" (the default for "") or "json".
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(s)); f {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return f, nil
	}
	return FormatText, fmt.Errorf("unknown log format: %s", s)
}

// Config configures New.
type Config struct {
	Level  Level
	Format Format

	// Output is "stdout", "stderr" (default), "file" or "both" (stderr and
	// file). File output rotates at MaxSizeMB keeping MaxBackups files.
	Output     string
	FilePath   string
	MaxSizeMB  int64
	MaxBackups int

	// Component is attached to every line.
	Component string

	// Writer, when set, replaces Output.
	Writer io.Writer
}

// Logger is a slog.Logger with a shared, adjustable level.
type Logger struct {
	*slog.Logger
	level *slog.LevelVar
	file  *RotatingFile
}

// Discard returns a logger that drops everything.
func Discard() *Logger {
	l, _ := New(&Config{Writer: io.Discard})
	return l
}

// New creates a logger. A nil cfg logs text at info level to stderr.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = &Config{Level: LevelInfo}
	}

	l := &Logger{level: new(slog.LevelVar)}
	l.level.Set(cfg.Level)

	w, file, err := openOutput(cfg)
	if err != nil {
		return nil, fmt.Errorf("setup log output: %w", err)
	}
	l.file = file

	opts := &slog.HandlerOptions{Level: l.level, ReplaceAttr: redactAttr}
	var h slog.Handler
	if cfg.Format == FormatJSON {
		h = slog.NewJSONHandler(w, opts)
	} else {
		h = slog.NewTextHandler(w, opts)
	}
	if cfg.Component != "" {
		h = h.WithAttrs([]slog.Attr{slog.String("component", cfg.Component)})
	}
	l.Logger = slog.New(h)
	return l, nil
}

func openOutput(cfg *Config) (io.Writer, *RotatingFile, error) {
	if cfg.Writer != nil {
		return cfg.Writer, nil, nil
	}

	output := strings.ToLower(cfg.Output)
	switch output {
	case "stdout":
		return os.Stdout, nil, nil
	case "file", "both":
		if cfg.FilePath == "" {
			return nil, nil, fmt.Errorf("log output %q requires a file path", cfg.Output)
		}
		f, err := OpenRotatingFile(cfg.FilePath, cfg.MaxSizeMB, cfg.MaxBackups)
		if err != nil {
			return nil, nil, err
		}
		if output == "both" {
			return io.MultiWriter(os.Stderr, f), f, nil
		}
		return f, f, nil
	}
	return os.Stderr, nil, nil
}

// sensitiveKeys are key fragments whose values are never logged.
var sensitiveKeys = []string{
	"password", "secret", "token", "key", "credential",
	"private", "auth", "cookie", "bearer", "access_code",
	"accesscode", "signature",
}

func shouldRedact(key string) bool {
	key = strings.ToLower(key)
	for _, s := range sensitiveKeys {
		if strings.Contains(key, s) {
			return true
		}
	}
	return false
}

// tokenLen is the hex length of a verification token.
const tokenLen = 64

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if shouldRedact(a.Key) {
		a.Value = slog.StringValue("[REDACTED]")
		return a
	}
	if a.Value.Kind() == slog.KindString && security.IsLowerHex(a.Value.String(), tokenLen) {
		a.Value = slog.StringValue("[REDACTED]")
	}
	return a
}

// SetLevel changes the level of l and of every logger derived from it.
func (l *Logger) SetLevel(level Level) {
	l.level.Set(level)
}

func (l *Logger) with(attrs ...any) *Logger {
	return &Logger{Logger: l.Logger.With(attrs...), level: l.level, file: l.file}
}

// WithComponent returns a logger tagged with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return l.with("component", name)
}

// WithRequestID returns a logger tagged with a request ID.
func (l *Logger) WithRequestID(id string) *Logger {
	return l.with("request_id", id)
}

// WithContext tags the logger with the request ID carried by ctx, if any.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := RequestIDFromContext(ctx); id != "" {
		return l.WithRequestID(id)
	}
	return l
}

// Close closes the log file, if any. Derived loggers share the file; close
// only the root.
func (l *Logger) Close() error {
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// NewRequestID returns a random request ID.
func NewRequestID() string {
	return uuid.NewString()
}

type requestIDKey struct{}

// ContextWithRequestID returns ctx carrying a request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

// RequestIDFromContext returns the request ID carried by ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}
