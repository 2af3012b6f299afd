// Package logger provides the structured, leveled logging used by every
// component. It wraps zerolog rather than hand-rolling formatting so level
// filtering, field encoding and output targets (console in development,
// JSON in production) come from a maintained library instead of a
// bespoke formatter.
package logger

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the contract every component depends on. Fields are passed as
// alternating key/value pairs, mirroring the variadic style the rest of
// this codebase's call sites already use.
type Logger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	With(component string) Logger
}

// ZLogger implements Logger on top of a zerolog.Logger bound to a
// component name.
type ZLogger struct {
	component string
	z         zerolog.Logger
}

// New creates a component-scoped logger. format is "json" or "console";
// level is one of debug/info/warn/error/fatal.
func New(component, levelStr, format string, out io.Writer) *ZLogger {
	if out == nil {
		out = os.Stdout
	}
	if format == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano
	z := zerolog.New(out).With().Timestamp().Str("component", component).Logger().Level(parseLevel(levelStr))
	return &ZLogger{component: component, z: z}
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func withFields(e *zerolog.Event, fields []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, fields[i+1])
	}
	return e
}

func (l *ZLogger) Debug(msg string, fields ...interface{}) {
	withFields(l.z.Debug(), fields).Msg(msg)
}

func (l *ZLogger) Info(msg string, fields ...interface{}) {
	withFields(l.z.Info(), fields).Msg(msg)
}

func (l *ZLogger) Warn(msg string, fields ...interface{}) {
	withFields(l.z.Warn(), fields).Msg(msg)
}

func (l *ZLogger) Error(msg string, fields ...interface{}) {
	withFields(l.z.Error(), fields).Msg(msg)
}

func (l *ZLogger) Fatal(msg string, fields ...interface{}) {
	withFields(l.z.Fatal(), fields).Msg(msg)
}

// With returns a logger scoped to a sub-component, e.g. "engine.profile".
func (l *ZLogger) With(component string) Logger {
	return &ZLogger{
		component: l.component + "." + component,
		z:         l.z.With().Str("subcomponent", component).Logger(),
	}
}

// Nop returns a Logger that discards everything, useful in tests.
func Nop() Logger {
	return &ZLogger{z: zerolog.Nop()}
}
