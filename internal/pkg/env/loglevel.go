package env

import (
	"log/slog"
	"strings"
)

// ParseLogLevel returns the level named by LOG_LEVEL ("debug", "info",
// "warn", "error", case-insensitive, with optional offsets such as
// "info+2"). An unset or unknown value yields fallback.
func ParseLogLevel(fallback slog.Level) slog.Level {
	raw := strings.TrimSpace(Get("LOG_LEVEL", ""))
	if raw == "" {
		return fallback
	}
	if strings.EqualFold(raw, "warning") {
		return slog.LevelWarn
	}
	var level slog.Level
	if err := level.UnmarshalText([]byte(raw)); err != nil {
		return fallback
	}
	return level
}
