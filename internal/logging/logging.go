// Package logging builds the structured loggers used across orchestra.
//
// Every component receives a *slog.Logger. Component and session scoping is
// done with attributes so log lines from concurrent sessions can be separated
// downstream.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Attribute keys shared by all components.
const (
	KeyComponent = "component"
	KeySession   = "session_id"
	KeyRun       = "run_id"
	KeyAgent     = "agent"
)

// Config configures the root logger. Level is one of debug, info, warn or
// error. Format is json or text.
type Config struct {
	Level     string    `yaml:"level" json:"level"`
	Format    string    `yaml:"format" json:"format"`
	AddSource bool      `yaml:"add_source" json:"add_source"`
	Output    io.Writer `yaml:"-" json:"-"`
}

// New creates a root logger from cfg. A zero Config yields an info level text
// logger on stderr.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level), AddSource: cfg.AddSource}

	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	return slog.New(handler)
}

// ParseLevel maps a level name to a slog level. Unknown names map to info.
func ParseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
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

// Component scopes a logger to a named component. A nil logger falls back to
// slog.Default.
func Component(l *slog.Logger, name string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String(KeyComponent, name))
}

// Session scopes a logger to a session.
func Session(l *slog.Logger, sessionID string) *slog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return l.With(slog.String(KeySession, sessionID))
}

// Nop returns a logger that discards everything.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}
