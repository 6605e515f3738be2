package util

import (
	"io"
	"log/slog"
	"os"
	"slices"
)

var logger *slog.Logger

// InitLogger installs the process-wide logger writing text records to w.
// Debug records are kept only when verbose is set.
func InitLogger(w io.Writer, verbose bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	logger = slog.New(slog.NewTextHandler(w, opts))
	slog.SetDefault(logger)
	return logger
}

// GetLogger returns the process logger, installing an info-level one on
// stderr if InitLogger was never called.
func GetLogger() *slog.Logger {
	if logger == nil {
		InitLogger(os.Stderr, false)
	}
	return logger
}

// IsVerbose reports whether --verbose is on the command line. It is used
// before flags are parsed.
func IsVerbose() bool {
	return slices.Contains(os.Args[1:], "--verbose") || slices.Contains(os.Args[1:], "-v")
}
