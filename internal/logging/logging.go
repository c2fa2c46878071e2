// Package logging builds the process logger and lets the admin API change
// its level at runtime.
package logging

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode"
)

// Config configures the process logger.
type Config struct {
	Level  string `toml:"level" yaml:"level"`
	Format string `toml:"format" yaml:"format"`
	// Output is "stdout", "stderr" or a file path. File output is also
	// written to stdout.
	Output string `toml:"output" yaml:"output"`
}

// New builds a logger from cfg. The returned closer releases the log file,
// if any, and is never nil.
func New(cfg Config, levels *LevelManager) (*slog.Logger, io.Closer, error) {
	if levels == nil {
		levels = GetLevelManager()
	}
	level, err := StringToLevel(cfg.Level)
	if err != nil && cfg.Level != "" {
		return nil, nopCloser{}, fmt.Errorf("invalid log level %q", cfg.Level)
	}
	levels.SetLevel(level)

	var (
		w      io.Writer
		closer io.Closer = nopCloser{}
	)
	switch strings.ToLower(cfg.Output) {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		if err := os.MkdirAll(filepath.Dir(cfg.Output), 0755); err != nil {
			return nil, closer, fmt.Errorf("failed to create log directory: %w", err)
		}
		f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
		if err != nil {
			return nil, closer, fmt.Errorf("failed to open log file: %w", err)
		}
		w = io.MultiWriter(os.Stdout, f)
		closer = f
	}

	opts := &slog.HandlerOptions{
		Level:       levels.Var(),
		ReplaceAttr: sanitizeAttr,
	}

	var handler slog.Handler
	switch strings.ToLower(cfg.Format) {
	case "", "json":
		handler = slog.NewJSONHandler(w, opts)
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		closer.Close()
		return nil, nopCloser{}, fmt.Errorf("unsupported log format %q", cfg.Format)
	}

	return slog.New(handler).With("service", "elemta-lmtp"), closer, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// sanitizeMessage normalizes a log value to a single line and removes
// control characters that could be used for log injection.
func sanitizeMessage(msg string) string {
	msg = strings.ReplaceAll(msg, "\r", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")

	var b strings.Builder
	for _, r := range msg {
		if r == '\t' || !unicode.IsControl(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}

var sensitiveFieldKeys = []string{
	"password",
	"pass",
	"token",
	"secret",
	"authorization",
}

func isSensitive(key string) bool {
	key = strings.ToLower(key)
	for _, sk := range sensitiveFieldKeys {
		if strings.Contains(key, sk) {
			return true
		}
	}
	return false
}

// sanitizeAttr redacts sensitive attributes and flattens string values.
func sanitizeAttr(groups []string, a slog.Attr) slog.Attr {
	if isSensitive(a.Key) {
		return slog.String(a.Key, "***REDACTED***")
	}
	if a.Value.Kind() == slog.KindString {
		return slog.String(a.Key, sanitizeMessage(a.Value.String()))
	}
	return a
}

// LevelManager holds the level shared by every handler built by New.
type LevelManager struct {
	level slog.LevelVar
}

var globalLevelManager = &LevelManager{}

// GetLevelManager returns the process-wide level manager.
func GetLevelManager() *LevelManager {
	return globalLevelManager
}

// NewLevelManager returns a manager starting at INFO.
func NewLevelManager() *LevelManager {
	return &LevelManager{}
}

// SetLevel changes the level of every logger built with this manager.
func (m *LevelManager) SetLevel(level slog.Level) {
	m.level.Set(level)
}

// GetLevel returns the current level.
func (m *LevelManager) GetLevel() slog.Level {
	return m.level.Level()
}

// Var exposes the underlying LevelVar for handler options.
func (m *LevelManager) Var() *slog.LevelVar {
	return &m.level
}

// LevelToString converts slog.Level to string
func LevelToString(level slog.Level) string {
	switch level {
	case slog.LevelDebug:
		return "DEBUG"
	case slog.LevelInfo:
		return "INFO"
	case slog.LevelWarn:
		return "WARN"
	case slog.LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// StringToLevel converts string to slog.Level
func StringToLevel(levelStr string) (slog.Level, error) {
	switch strings.ToUpper(levelStr) {
	case "DEBUG":
		return slog.LevelDebug, nil
	case "INFO":
		return slog.LevelInfo, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, errors.New("invalid log level")
	}
}
