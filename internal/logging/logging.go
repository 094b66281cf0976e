// Package logging configures the process-wide structured logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// ParseLevel accepts a descriptive level name (DEBUG, INFO, WARN, ERROR)
// or a numeric slog level.
func ParseLevel(input string) (slog.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(input)) {
	case "", "INFO":
		return slog.LevelInfo, nil
	case "DEBUG":
		return slog.LevelDebug, nil
	case "WARN", "WARNING":
		return slog.LevelWarn, nil
	case "ERROR":
		return slog.LevelError, nil
	}
	if n, err := strconv.Atoi(strings.TrimSpace(input)); err == nil {
		return slog.Level(n), nil
	}
	return slog.LevelInfo, fmt.Errorf("unrecognized log level %q", input)
}

// Setup builds the root logger, writing to stderr and, when filepath is
// non-empty, to a size-rotated log file as well. The logger is installed
// as the slog default.
func Setup(level slog.Level, filepath string) *slog.Logger {
	var w io.Writer = os.Stderr
	if filepath != "" {
		w = io.MultiWriter(os.Stderr, &lumberjack.Logger{
			Filename:   filepath,
			MaxSize:    100, // megabytes
			MaxBackups: 3,
		})
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}
