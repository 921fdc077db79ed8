package config

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	slogmulti "github.com/samber/slog-multi"
)

// InitLogger initializes the structured logger based on configuration.
// The returned function closes the log file, if one was opened.
func InitLogger(cfg *Config) func() error {
	level := parseLevel(cfg.Log.Level)
	cleanup := func() error { return nil }

	var file io.Writer
	if cfg.Log.File != "" {
		f, err := os.OpenFile(cfg.Log.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			slog.Error("Failed to open log file, using stdout only", "error", err, "file", cfg.Log.File)
		} else {
			file = f
			cleanup = f.Close
		}
	}

	slog.SetDefault(slog.New(newHandler(cfg.Log.Format, level, os.Stdout, file)))

	slog.Info("Logger initialized",
		"level", cfg.Log.Level,
		"format", cfg.Log.Format,
		"file", cfg.Log.File,
	)
	return cleanup
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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

// newHandler builds the console handler and fans out to a JSON file
// handler when file is set
func newHandler(format string, level slog.Level, out io.Writer, file io.Writer) slog.Handler {
	var console slog.Handler
	if strings.ToLower(format) == "text" {
		console = tint.NewHandler(out, &tint.Options{
			Level:      level,
			TimeFormat: time.RFC3339,
		})
	} else {
		console = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	}

	if file == nil {
		return console
	}
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slogmulti.Fanout(console, fileHandler)
}
