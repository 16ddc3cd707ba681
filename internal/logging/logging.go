// Package logging configures the process-wide slog default handler.
package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls handler construction.
type Config struct {
	Level      string `json:"level"`       // debug | info | warn | error
	Format     string `json:"format"`      // text | json
	File       string `json:"file"`        // optional rotating file sink
	MaxSizeMB  int    `json:"max_size_mb"` // rotation threshold, default 50
	MaxBackups int    `json:"max_backups"` // default 5
	MaxAgeDays int    `json:"max_age_days"`
}

// Setup builds the handler from config and installs it as slog default.
// Returns a closer for the file sink when one is configured.
func Setup(cfg Config) (io.Closer, error) {
	var out io.Writer = os.Stderr
	var closer io.Closer

	if cfg.File != "" {
		rotated := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    defaultInt(cfg.MaxSizeMB, 50),
			MaxBackups: defaultInt(cfg.MaxBackups, 5),
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		}
		out = io.MultiWriter(os.Stderr, rotated)
		closer = rotated
	}

	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}
	var handler slog.Handler
	if strings.EqualFold(cfg.Format, "json") {
		handler = slog.NewJSONHandler(out, opts)
	} else {
		handler = slog.NewTextHandler(out, opts)
	}
	slog.SetDefault(slog.New(handler))
	return closer, nil
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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

func defaultInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
