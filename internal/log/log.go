// Package log provides the structured logger every pstkit component pulls
// its per-operation fields through.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger wraps zerolog with pstkit's component/operation field convention.
type Logger struct {
	zlog zerolog.Logger
}

// Config controls how a Logger renders.
type Config struct {
	Level      string // debug, info, warn, error
	Pretty     bool   // pretty-print for interactive use
	Output     io.Writer
	WithCaller bool
}

// New builds a Logger from cfg.
func New(cfg Config) *Logger {
	level := zerolog.InfoLevel
	switch cfg.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	}

	zlog := zerolog.New(output).With().Timestamp().Str("service", "pstkit").Logger()
	if cfg.WithCaller {
		zlog = zlog.With().Caller().Logger()
	}
	return &Logger{zlog: zlog}
}

// Zerolog returns the underlying zerolog.Logger for callers that want the
// full event-builder API.
func (l *Logger) Zerolog() *zerolog.Logger { return &l.zlog }

func (l *Logger) Info(msg string)  { l.zlog.Info().Msg(msg) }
func (l *Logger) Debug(msg string) { l.zlog.Debug().Msg(msg) }
func (l *Logger) Warn(msg string)  { l.zlog.Warn().Msg(msg) }
func (l *Logger) Error(msg string, err error) {
	l.zlog.Error().Err(err).Msg(msg)
}

// With returns a logger with additional fields attached.
func (l *Logger) With(fields map[string]interface{}) *Logger {
	ctx := l.zlog.With()
	for k, v := range fields {
		ctx = ctx.Interface(k, v)
	}
	return &Logger{zlog: ctx.Logger()}
}

// Component scopes a logger to one pstkit component (amap, block, ndb, heap,
// bth, pc, tc, nameid, device) by adding a "component" field.
func (l *Logger) Component(name string) *Logger {
	return &Logger{zlog: l.zlog.With().Str("component", name).Logger()}
}

// Commit logs the outcome of a context commit with its duration.
func (l *Logger) Commit(contextID string, duration time.Duration, err error) {
	event := l.zlog.Info()
	if err != nil {
		event = l.zlog.Error().Err(err)
	}
	event.Str("context", contextID).Dur("duration_ms", duration).Msg("commit")
}

var global *Logger

// Init sets the process-wide default Logger.
func Init(cfg Config) { global = New(cfg) }

// Get returns the process-wide default Logger, initializing it with
// sensible defaults on first use.
func Get() *Logger {
	if global == nil {
		Init(Config{Level: "info", Pretty: true})
	}
	return global
}
