package logging

import (
	"io"
	"log/slog"
	"os"

	"github.com/cortexuvula/chatrelay/internal/config"
	"gopkg.in/natefinch/lumberjack.v2"
)

// level is shared by every handler Setup installs so SetLevel can change
// verbosity on SIGHUP without reopening the log file.
var level = new(slog.LevelVar)

// Setup configures the global slog logger from the logging section.
// Returns the lumberjack logger (if file logging) so it can be closed on shutdown.
func Setup(cfg config.LoggingConfig) *lumberjack.Logger {
	var w io.Writer = os.Stdout
	var lj *lumberjack.Logger

	if cfg.File != "" {
		lj = &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		w = lj
	}

	slog.SetDefault(slog.New(NewProblemHandler(newHandler(w, cfg.Format), problems)))
	SetLevel(cfg.Level)
	return lj
}

// SetLevel changes the level of the handler installed by Setup.
func SetLevel(name string) {
	level.Set(parseLevel(name))
}

func newHandler(w io.Writer, format string) slog.Handler {
	opts := &slog.HandlerOptions{Level: level}
	switch format {
	case "text":
		return slog.NewTextHandler(w, opts)
	default:
		return slog.NewJSONHandler(w, opts)
	}
}

func parseLevel(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
