// Package log provides the structured logger shared by every component of
// the cluster core.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance.
var Logger zerolog.Logger

// Level is a logging verbosity level.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config holds logging configuration.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init initializes the global logger.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

func init() {
	// Sensible default so tests and library callers that never call Init
	// still produce readable output instead of a discarded zero Logger.
	Init(Config{Level: InfoLevel})
}

// WithComponent creates a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithNodeID creates a child logger tagged with a node id.
func WithNodeID(nodeID uint32) zerolog.Logger {
	return Logger.With().Uint32("node_id", nodeID).Logger()
}

// WithPort creates a child logger tagged with a protocol port.
func WithPort(port uint8) zerolog.Logger {
	return Logger.With().Uint8("port", port).Logger()
}

// WithSG creates a child logger tagged with a service-group global id.
func WithSG(globalID uint32) zerolog.Logger {
	return Logger.With().Uint32("sg_id", globalID).Logger()
}

// WithGeneration creates a child logger tagged with a cluster generation.
func WithGeneration(generation uint32) zerolog.Logger {
	return Logger.With().Uint32("generation", generation).Logger()
}

func Info(msg string)  { Logger.Info().Msg(msg) }
func Debug(msg string) { Logger.Debug().Msg(msg) }
func Warn(msg string)  { Logger.Warn().Msg(msg) }
func Error(msg string) { Logger.Error().Msg(msg) }

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}
