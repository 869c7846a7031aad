package logging

import (
	"io"
	"log/slog"
	"os"
)

// sensitiveKeys never reach the log output.
var sensitiveKeys = map[string]bool{
	"private_key":   true,
	"encrypted_key": true,
	"vault_secret":  true,
	"operator_key":  true,
}

// New creates a JSON slog logger configured at the provided level. If the
// level string is invalid it defaults to info. Every record carries service.
func New(level, service string) *slog.Logger {
	return newLogger(os.Stdout, level).With(slog.String("service", service))
}

func newLogger(w io.Writer, level string) *slog.Logger {
	lvl := new(slog.LevelVar)
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl.Set(slog.LevelInfo)
	}

	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl, ReplaceAttr: redact})
	return slog.New(handler)
}

func redact(_ []string, a slog.Attr) slog.Attr {
	if sensitiveKeys[a.Key] {
		return slog.String(a.Key, "[redacted]")
	}
	return a
}

// Discard returns a logger that drops all output. Useful for tests.
func Discard() *slog.Logger {
	handler := slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError})
	return slog.New(handler)
}
