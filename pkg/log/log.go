// Package log provides the structured logger used across the worker. It
// wraps zerolog the same way the teacher's reporting package does, trimmed to
// the worker's needs (no report-formatting concerns).
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Level is one of the five levels spec.md §6 allows in configuration.
type Level string

const (
	LevelDebug    Level = "DEBUG"
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Config controls how New builds a Logger.
type Config struct {
	Level  Level
	Pretty bool // console-writer output instead of JSON lines
	Output io.Writer
}

// Logger is a thin key-value wrapper over zerolog.Logger.
type Logger struct {
	zl zerolog.Logger
}

// New builds a Logger per cfg. An empty/unknown Level defaults to INFO.
func New(cfg Config) *Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	zl := zerolog.New(out).With().Timestamp().Logger().Level(toZerologLevel(cfg.Level))
	return &Logger{zl: zl}
}

func toZerologLevel(l Level) zerolog.Level {
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarning:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	case LevelCritical:
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

func (l *Logger) Debug(msg string, fields ...any) { l.emit(l.zl.Debug(), msg, fields...) }
func (l *Logger) Info(msg string, fields ...any)  { l.emit(l.zl.Info(), msg, fields...) }
func (l *Logger) Warn(msg string, fields ...any)  { l.emit(l.zl.Warn(), msg, fields...) }
func (l *Logger) Error(msg string, fields ...any) { l.emit(l.zl.Error(), msg, fields...) }

// With returns a child Logger carrying the given key-value pairs on every
// subsequent call.
func (l *Logger) With(fields ...any) *Logger {
	ctx := l.zl.With()
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		ctx = ctx.Interface(key, fields[i+1])
	}
	return &Logger{zl: ctx.Logger()}
}

func (l *Logger) emit(ev *zerolog.Event, msg string, fields ...any) {
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		ev = ev.Interface(key, fields[i+1])
	}
	ev.Msg(msg)
}
