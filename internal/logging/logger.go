// Package logging builds the process logger and redacts secrets from
// caller-supplied context before it reaches logs or the audit trail.
package logging

import (
	"io"
	"log/slog"
	"strings"
)

// ParseLevel maps debug, info, warn (or warning) and error onto slog
// levels. Anything else is info.
func ParseLevel(s string) slog.Level {
	var lvl slog.Level
	if strings.EqualFold(s, "warning") {
		return slog.LevelWarn
	}
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return lvl
}

// NewLogger builds the process logger. format is "json" or "text". String
// attributes whose key names a secret are masked by the handler itself, so
// a careless call site cannot leak a password or token.
func NewLogger(w io.Writer, format, level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       ParseLevel(level),
		ReplaceAttr: redactAttr,
	}
	if strings.EqualFold(format, "text") {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}

func redactAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Value.Kind() == slog.KindString && IsSensitiveField(a.Key) {
		return slog.String(a.Key, MaskedValue)
	}
	return a
}
