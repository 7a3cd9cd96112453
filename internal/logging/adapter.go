// Package logging bridges log/slog to the types.Logger interface used by the
// relay components, and optionally tees records to a remote collector.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"strings"

	"mailrelay/internal/types"
)

// Adapter wraps *slog.Logger to implement types.Logger. slog.Logger already
// has Info, Warn and Error, but its With returns *slog.Logger.
type Adapter struct {
	logger *slog.Logger
}

var _ types.Logger = (*Adapter)(nil)

// New wraps l.
func New(l *slog.Logger) *Adapter {
	return &Adapter{logger: l}
}

func (a *Adapter) Info(msg string, args ...any)  { a.logger.Info(msg, args...) }
func (a *Adapter) Error(msg string, args ...any) { a.logger.Error(msg, args...) }
func (a *Adapter) Warn(msg string, args ...any)  { a.logger.Warn(msg, args...) }
func (a *Adapter) With(args ...any) types.Logger {
	return &Adapter{logger: a.logger.With(args...)}
}

// ParseLevel maps a LOG_LEVEL value to a slog level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// NewJSONHandler returns the JSON handler used by the worker. Unknown levels
// fall back to info.
func NewJSONHandler(w io.Writer, level string) slog.Handler {
	lvl, _ := ParseLevel(level)
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})
}
