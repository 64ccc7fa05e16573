package logger

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Log is the global logger instance wrapper
var Log *Logger

type Logger struct {
	z zerolog.Logger
}

var (
	out    io.Writer = os.Stderr
	format           = "console"
)

func init() {
	Log = &Logger{z: build(out, format)}
}

func build(w io.Writer, f string) zerolog.Logger {
	if strings.ToLower(f) == "json" {
		return zerolog.New(w).With().Timestamp().Logger()
	}
	cw := zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	return zerolog.New(cw).With().Timestamp().Logger()
}

// ParseLevel maps a case-insensitive level name onto a zerolog level.
// Unknown names fall back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToUpper(level) {
	case "TRACE":
		return zerolog.TraceLevel
	case "DEBUG":
		return zerolog.DebugLevel
	case "WARN", "WARNING":
		return zerolog.WarnLevel
	case "ERROR":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Setup configures the global logger
func Setup(level string, f string) {
	zerolog.SetGlobalLevel(ParseLevel(level))
	format = f
	Log = &Logger{z: build(out, format)}
}

// SetOutput redirects the global logger, keeping the current format.
func SetOutput(w io.Writer) {
	out = w
	Log = &Logger{z: build(out, format)}
}

// With returns a child logger carrying the given key/value pairs on every event.
func (l *Logger) With(args ...interface{}) *Logger {
	c := l.z.With()
	for i := 0; i+1 < len(args); i += 2 {
		c = c.Interface(key(args[i]), args[i+1])
	}
	return &Logger{z: c.Logger()}
}

// Trace logs at Trace level with variadic key-value pairs
func (l *Logger) Trace(msg string, args ...interface{}) {
	l.emit(l.z.Trace(), msg, args)
}

// Info logs at Info level with variadic key-value pairs
func (l *Logger) Info(msg string, args ...interface{}) {
	l.emit(l.z.Info(), msg, args)
}

// Debug logs at Debug level with variadic key-value pairs
func (l *Logger) Debug(msg string, args ...interface{}) {
	l.emit(l.z.Debug(), msg, args)
}

// Warn logs at Warn level with variadic key-value pairs
func (l *Logger) Warn(msg string, args ...interface{}) {
	l.emit(l.z.Warn(), msg, args)
}

// Error logs at Error level with variadic key-value pairs
func (l *Logger) Error(msg string, args ...interface{}) {
	l.emit(l.z.Error(), msg, args)
}

func (l *Logger) emit(e *zerolog.Event, msg string, args []interface{}) {
	if e == nil {
		return
	}
	addFields(e, args...)
	e.Msg(msg)
}

// addFields adds variadic key-value pairs to the event. A trailing key
// without a value is dropped.
func addFields(e *zerolog.Event, args ...interface{}) {
	for i := 0; i+1 < len(args); i += 2 {
		switch v := args[i+1].(type) {
		case error:
			e.AnErr(key(args[i]), v)
		case time.Duration:
			e.Dur(key(args[i]), v)
		default:
			e.Interface(key(args[i]), v)
		}
	}
}

func key(k interface{}) string {
	if s, ok := k.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", k)
}
