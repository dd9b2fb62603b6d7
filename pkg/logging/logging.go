// Package logging configures the process-wide slog logger for seawire.
//
// Each subsystem logs through a child logger tagged with its component name,
// so one server's output can be filtered per subsystem:
//
//	server    HTTP routes, sessions and socket upgrades
//	identity  identity cache loads and refreshes
//	registry  socket registration, broadcast and close
//	ledger    counter store connection and transport errors
//	notify    counter side effects that failed
//	settings  runtime settings reloads
//
// gin follows the level: debug enables its route dump, anything else runs it
// in release mode.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/gin-gonic/gin"
)

// Component names used across the server.
const (
	Server   = "server"
	Identity = "identity"
	Registry = "registry"
	Ledger   = "ledger"
	Notify   = "notify"
	Settings = "settings"
)

// Options controls how logging is configured.
type Options struct {
	Level  string    // "debug", "info", "warn", "error" (default: "info")
	Format string    // "text" or "json" (default: "text")
	Output io.Writer // default os.Stdout
}

var levels = map[string]slog.Level{
	"":        slog.LevelInfo,
	"debug":   slog.LevelDebug,
	"info":    slog.LevelInfo,
	"warn":    slog.LevelWarn,
	"warning": slog.LevelWarn,
	"error":   slog.LevelError,
}

func lookupLevel(name string) (slog.Level, bool) {
	lvl, ok := levels[strings.ToLower(strings.TrimSpace(name))]
	return lvl, ok
}

// ParseLevel converts a level name to slog.Level. Unknown names mean info.
func ParseLevel(level string) slog.Level {
	if lvl, ok := lookupLevel(level); ok {
		return lvl
	}
	return slog.LevelInfo
}

// Validate returns an error if the level string is not recognized.
func Validate(level string) error {
	if _, ok := lookupLevel(level); !ok {
		return fmt.Errorf("unknown log level %q (valid: %s)", level, LevelNames())
	}
	return nil
}

// LevelNames lists the accepted level names for flag help.
func LevelNames() string {
	return "debug, info, warn, error"
}

// Setup installs the default slog logger and sets the gin mode. Call it once
// from main before the server is built.
func Setup(opts Options) error {
	level, ok := lookupLevel(opts.Level)
	if !ok {
		return Validate(opts.Level)
	}
	out := opts.Output
	if out == nil {
		out = os.Stdout
	}

	handlerOpts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}
	var handler slog.Handler
	if strings.EqualFold(opts.Format, "json") {
		handler = slog.NewJSONHandler(out, handlerOpts)
	} else {
		handler = slog.NewTextHandler(out, handlerOpts)
	}
	slog.SetDefault(slog.New(handler))

	if level == slog.LevelDebug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	return nil
}

// Component returns the default logger tagged with a component name.
func Component(name string) *slog.Logger {
	return slog.Default().With("component", name)
}
