// Package ulogger provides the node's logging interface: a thin wrapper
// over zerolog giving every component a named child logger with a
// consistent pretty/JSON console format, the way the rest of the node's
// services are logged.
package ulogger

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the interface components depend on. Kept narrow so mmr/,
// txhashset/, chain/, pool/ and pibd/ can all take a Logger without
// importing zerolog directly.
type Logger interface {
	Debugf(format string, args ...interface{})
	Infof(format string, args ...interface{})
	Warnf(format string, args ...interface{})
	Errorf(format string, args ...interface{})
	Fatalf(format string, args ...interface{})
	New(service string) Logger
}

// ZLogger wraps a zerolog.Logger scoped to a single service/component name.
type ZLogger struct {
	zerolog.Logger
	service string
}

// Option configures a ZLogger at construction time.
type Option func(*options)

type options struct {
	pretty bool
	level  string
}

func WithPretty(pretty bool) Option {
	return func(o *options) { o.pretty = pretty }
}

func WithLevel(level string) Option {
	return func(o *options) { o.level = level }
}

// New builds a root logger for service. Defaults to pretty console output
// at info level, matching the teacher's default console format.
func New(service string, opts ...Option) *ZLogger {
	o := &options{pretty: true, level: "INFO"}
	for _, opt := range opts {
		opt(o)
	}

	if service == "" {
		service = "mwnode"
	}

	var z *ZLogger
	if o.pretty {
		z = prettyLogger(service)
	} else {
		z = &ZLogger{
			zerolog.New(os.Stdout).With().Timestamp().Logger(),
			service,
		}
	}

	setLevel(o.level, z)

	return z
}

func setLevel(level string, z *ZLogger) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		z.Logger = z.Logger.Level(zerolog.DebugLevel)
	case "WARN":
		z.Logger = z.Logger.Level(zerolog.WarnLevel)
	case "ERROR":
		z.Logger = z.Logger.Level(zerolog.ErrorLevel)
	case "FATAL":
		z.Logger = z.Logger.Level(zerolog.FatalLevel)
	default:
		z.Logger = z.Logger.Level(zerolog.InfoLevel)
	}
}

func prettyLogger(service string) *ZLogger {
	output := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}

	output.FormatTimestamp = func(i interface{}) string {
		parsed, _ := time.Parse(time.RFC3339, fmt.Sprintf("%v", i))
		return parsed.Format("15:04:05")
	}

	output.FormatMessage = func(i interface{}) string {
		return fmt.Sprintf("| %-10s| %v", service, i)
	}

	return &ZLogger{
		zerolog.New(output).With().Timestamp().Logger(),
		service,
	}
}

func (z *ZLogger) Debugf(format string, args ...interface{}) { z.Logger.Debug().Msgf(format, args...) }
func (z *ZLogger) Infof(format string, args ...interface{})  { z.Logger.Info().Msgf(format, args...) }
func (z *ZLogger) Warnf(format string, args ...interface{})  { z.Logger.Warn().Msgf(format, args...) }
func (z *ZLogger) Errorf(format string, args ...interface{}) { z.Logger.Error().Msgf(format, args...) }
func (z *ZLogger) Fatalf(format string, args ...interface{}) { z.Logger.Fatal().Msgf(format, args...) }

// New returns a child logger scoped to service, sharing the parent's level
// and writer but tagged with its own name — the same child-logger-per-
// component pattern the teacher uses per service.
func (z *ZLogger) New(service string) Logger {
	return &ZLogger{
		z.Logger.With().Str("component", service).Logger(),
		service,
	}
}
