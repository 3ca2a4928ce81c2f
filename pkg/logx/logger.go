// Package logx is a small structured logging facade over zerolog.
//
// A Logger is a value: copy it freely, derive children with With, and use the
// zero value as a no-op. Loggers obtained from a Service follow the service's
// sinks when they are swapped at runtime.
package logx

import (
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const consoleTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// callerSkip skips Logger.log and the level method to reach the call site.
const callerSkip = 2

// Field is one key/value attached to a record. A repeated key keeps the
// last value; the zero Field is ignored.
type Field struct {
	key string
	val any
}

func String(k, v string) Field                 { return Field{k, v} }
func Int(k string, v int) Field                { return Field{k, v} }
func Int64(k string, v int64) Field            { return Field{k, v} }
func Uint64(k string, v uint64) Field          { return Field{k, v} }
func Bool(k string, v bool) Field              { return Field{k, v} }
func Duration(k string, v time.Duration) Field { return Field{k, v} }
func Time(k string, v time.Time) Field         { return Field{k, v} }
func Strs(k string, v []string) Field          { return Field{k, v} }
func Any(k string, v any) Field                { return Field{k, anyValue{v}} }

// Err attaches err under "err". A nil error adds nothing.
func Err(err error) Field {
	if err == nil {
		return Field{}
	}
	return Field{"err", err}
}

// anyValue forces reflection-based encoding for Any.
type anyValue struct{ v any }

func (f Field) apply(e *zerolog.Event) {
	if f.key == "" {
		return
	}
	switch v := f.val.(type) {
	case string:
		e.Str(f.key, v)
	case int:
		e.Int(f.key, v)
	case int64:
		e.Int64(f.key, v)
	case uint64:
		e.Uint64(f.key, v)
	case bool:
		e.Bool(f.key, v)
	case time.Duration:
		e.Dur(f.key, v)
	case time.Time:
		e.Time(f.key, v)
	case []string:
		e.Strs(f.key, v)
	case error:
		e.AnErr(f.key, v)
	case anyValue:
		e.Interface(f.key, v.v)
	}
}

// source yields the zerolog logger a Logger currently writes to.
type source interface {
	current() zerolog.Logger
}

type fixed zerolog.Logger

func (f fixed) current() zerolog.Logger { return zerolog.Logger(f) }

type Logger struct {
	src    source
	fields []Field
}

// Nop returns a logger that never writes anything.
func Nop() Logger { return Logger{src: fixed(zerolog.Nop())} }

// NewConsole creates a standalone console logger, used before the log
// service is configured (and by the offline CLI commands).
func NewConsole(level string) Logger {
	return NewWriter(newConsoleWriter(os.Stderr), level)
}

// NewWriter creates a standalone logger writing to w.
func NewWriter(w io.Writer, level string) Logger {
	setGlobals()
	zl := zerolog.New(w).Level(parseLevel(level, zerolog.InfoLevel)).With().Timestamp().Logger()
	return Logger{src: fixed(zl)}
}

func (l Logger) IsZero() bool { return l.src == nil && len(l.fields) == 0 }

func (l Logger) With(fields ...Field) Logger {
	if len(fields) == 0 {
		return l
	}
	l.fields = append(append(make([]Field, 0, len(l.fields)+len(fields)), l.fields...), fields...)
	return l
}

func (l Logger) Trace(msg string, fields ...Field) { l.log(zerolog.TraceLevel, msg, fields) }
func (l Logger) Debug(msg string, fields ...Field) { l.log(zerolog.DebugLevel, msg, fields) }
func (l Logger) Info(msg string, fields ...Field)  { l.log(zerolog.InfoLevel, msg, fields) }
func (l Logger) Warn(msg string, fields ...Field)  { l.log(zerolog.WarnLevel, msg, fields) }
func (l Logger) Error(msg string, fields ...Field) { l.log(zerolog.ErrorLevel, msg, fields) }

func (l Logger) log(level zerolog.Level, msg string, fields []Field) {
	if l.src == nil {
		return
	}
	zl := l.src.current()
	e := zl.WithLevel(level)
	if e == nil {
		return
	}
	e.Caller(callerSkip)
	for _, f := range l.fields {
		f.apply(e)
	}
	for _, f := range fields {
		f.apply(e)
	}
	e.Msg(msg)
}

func setGlobals() {
	zerolog.ErrorFieldName = "err"
	zerolog.TimeFieldFormat = consoleTimeFormat
	zerolog.CallerMarshalFunc = func(_ uintptr, file string, line int) string {
		return filepath.Base(file) + ":" + strconv.Itoa(line)
	}
}

func newConsoleWriter(w io.Writer) io.Writer {
	return zerolog.ConsoleWriter{Out: w, TimeFormat: consoleTimeFormat}
}

// parseLevel maps a config level name onto zerolog; unknown or empty names
// fall back to def.
func parseLevel(s string, def zerolog.Level) zerolog.Level {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "warning" {
		s = "warn"
	}
	if s == "" {
		return def
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return def
	}
	return lvl
}
