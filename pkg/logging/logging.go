// Package logging builds the loggers used across the privacy manager:
// logrus for components, and a tint colored slog handler for operator
// output of the command line tools.
package logging

import (
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/lmittmann/tint"
	"github.com/sirupsen/logrus"
)

// New returns a logrus logger at level. Unknown levels fall back to info.
func New(level string) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// NewConsole returns a slog logger writing colored lines to w.
func NewConsole(w io.Writer, level string, noColor bool) *slog.Logger {
	handler := tint.NewHandler(w, &tint.Options{
		Level:      slogLevel(level),
		TimeFormat: time.Kitchen,
		NoColor:    noColor,
	})
	return slog.New(handler)
}

func slogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "trace", "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal", "panic":
		return slog.LevelError
	}
	return slog.LevelInfo
}
