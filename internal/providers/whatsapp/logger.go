package whatsapp

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	waLog "go.mau.fi/whatsmeow/util/log"
)

// slogLogger routes whatsmeow logging into slog.
type slogLogger struct {
	l   *slog.Logger
	min slog.Level
}

// NewLogger returns a waLog.Logger writing to l at or above level
// ("debug", "info", "warn", "error"; default warn).
func NewLogger(l *slog.Logger, module, level string) waLog.Logger {
	if l == nil {
		l = slog.Default()
	}
	return slogLogger{l: l.With("module", "whatsmeow/"+module), min: parseLevel(level)}
}

func (s slogLogger) Debugf(msg string, args ...any) { s.logf(slog.LevelDebug, msg, args) }
func (s slogLogger) Infof(msg string, args ...any)  { s.logf(slog.LevelInfo, msg, args) }
func (s slogLogger) Warnf(msg string, args ...any)  { s.logf(slog.LevelWarn, msg, args) }
func (s slogLogger) Errorf(msg string, args ...any) { s.logf(slog.LevelError, msg, args) }

func (s slogLogger) Sub(module string) waLog.Logger {
	return slogLogger{l: s.l.With("sub", module), min: s.min}
}

func (s slogLogger) logf(level slog.Level, msg string, args []any) {
	if level < s.min {
		return
	}
	s.l.Log(context.Background(), level, fmt.Sprintf(msg, args...))
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "error":
		return slog.LevelError
	default:
		return slog.LevelWarn
	}
}
