// Package logger configures the process-wide structured logger.
// Components log through log/slog with key/value attributes; this package
// only owns the handler, the output and the level.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

var (
	mu     sync.Mutex
	level  = new(slog.LevelVar)
	format = "text"
	output io.Writer = os.Stderr
)

// Init installs the default slog logger writing to w in the given format
// ("text" or "json") at the given level.
func Init(w io.Writer, fmtName, levelName string) error {
	lvl, err := ParseLevel(levelName)
	if err != nil {
		return err
	}
	switch fmtName {
	case "", "text", "json":
	default:
		return fmt.Errorf("unknown log format %q", fmtName)
	}

	mu.Lock()
	defer mu.Unlock()
	if w != nil {
		output = w
	}
	if fmtName != "" {
		format = fmtName
	}
	level.Set(lvl)
	install()
	return nil
}

// SetLevel changes the level of the installed logger at runtime.
func SetLevel(levelName string) error {
	lvl, err := ParseLevel(levelName)
	if err != nil {
		return err
	}
	level.Set(lvl)
	return nil
}

// Level returns the current level.
func Level() slog.Level {
	return level.Level()
}

// SetOutput redirects the installed logger. Useful for testing.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	output = w
	install()
}

// ParseLevel accepts debug, info, warn(ing) and error, case-insensitively.
// Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// install must be called with mu held.
func install() {
	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if format == "json" {
		h = slog.NewJSONHandler(output, opts)
	} else {
		h = slog.NewTextHandler(output, opts)
	}
	slog.SetDefault(slog.New(h))
}
