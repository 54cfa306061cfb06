// Package logging wraps zerolog the way cuemby-warren/pkg/log does: a
// package-level default Logger plus constructors that components can use to
// derive a scoped child logger. Components take a zerolog.Logger explicitly
// at construction time rather than reaching for the global — see
// SPEC_FULL.md §A.1.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is a logging verbosity level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how New builds a Logger.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Logger is the process-default logger, initialized to a sane console
// logger so packages that don't receive an explicit logger still behave.
var Logger = New(Config{Level: InfoLevel})

// New builds a zerolog.Logger from cfg.
func New(cfg Config) zerolog.Logger {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		return zerolog.New(output).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.RFC3339,
	}).Level(level).With().Timestamp().Logger()
}

// Init replaces the package-level default Logger.
func Init(cfg Config) {
	Logger = New(cfg)
}

// WithComponent derives a child logger tagged with a component name.
func WithComponent(base zerolog.Logger, component string) zerolog.Logger {
	return base.With().Str("component", component).Logger()
}

// WithEntityKind derives a child logger tagged with an entity kind.
func WithEntityKind(base zerolog.Logger, kind string) zerolog.Logger {
	return base.With().Str("entity_kind", kind).Logger()
}

// WithUUID derives a child logger tagged with an entity uuid.
func WithUUID(base zerolog.Logger, uuid string) zerolog.Logger {
	return base.With().Str("uuid", uuid).Logger()
}
