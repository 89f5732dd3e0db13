package kmem

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	LevelDebug LogLevel = iota
	LevelInfo
	LevelWarn
	LevelError
	LevelFatal
)

var levelNames = map[LogLevel]string{
	LevelDebug: "DEBUG",
	LevelInfo:  "INFO",
	LevelWarn:  "WARN",
	LevelError: "ERROR",
	LevelFatal: "FATAL",
}

// Logger provides structured, leveled logging for the allocator.
type Logger struct {
	mu        sync.Mutex
	level     LogLevel
	component string
	output    io.Writer
}

// NewLogger creates a logger for the given component.
func NewLogger(component string, level LogLevel) *Logger {
	return &Logger{level: level, component: component, output: os.Stdout}
}

// DefaultLogger returns a component logger at LevelInfo writing to stdout.
func DefaultLogger(component string) *Logger {
	return NewLogger(component, LevelInfo)
}

// With returns a child logger whose component is namespaced under the
// parent's, carrying the same level and output.
func (l *Logger) With(suffix string) *Logger {
	return &Logger{level: l.level, component: l.component + "." + suffix, output: l.output}
}

func (l *Logger) Debug(msg string, fields ...Field) { l.log(LevelDebug, msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.log(LevelInfo, msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.log(LevelWarn, msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.log(LevelError, msg, fields...) }

// Fatal logs at LevelFatal and terminates the process with exit code 1.
// Reserved for unrecoverable failures that carry no specific
// BootstrapExitCode; a bootstrap failure that does carry one should use
// FatalBootstrap instead so the process exits with that code.
func (l *Logger) Fatal(msg string, fields ...Field) {
	l.log(LevelFatal, msg, fields...)
	os.Exit(1)
}

// FatalBootstrap logs be at LevelFatal and terminates the process with
// be.Code as the exit status, the way the original's fatal bootstrap
// paths (cache-for-caches/cache-for-handles construction failure, an
// out-of-range block count) each exit with a distinct code rather than a
// single generic failure status.
func (l *Logger) FatalBootstrap(be *BootstrapError) {
	l.log(LevelFatal, be.Error())
	os.Exit(int(be.Code))
}

func (l *Logger) log(level LogLevel, msg string, fields ...Field) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if level < l.level {
		return
	}

	var b strings.Builder
	b.WriteString("[")
	b.WriteString(time.Now().Format("15:04:05.000"))
	b.WriteString("] [")
	b.WriteString(fmt.Sprintf("%-5s", levelNames[level]))
	b.WriteString("] ")
	if l.component != "" {
		b.WriteString("[")
		b.WriteString(l.component)
		b.WriteString("] ")
	}
	b.WriteString(msg)
	for _, f := range fields {
		b.WriteString(" ")
		b.WriteString(f.Key)
		b.WriteString("=")
		b.WriteString(f.format())
	}
	b.WriteString("\n")

	l.output.Write([]byte(b.String()))
}

// Field is a structured key-value pair attached to a log line.
type Field struct {
	Key   string
	Value interface{}
}

func (f Field) format() string {
	switch v := f.Value.(type) {
	case string:
		return fmt.Sprintf("%q", v)
	case error:
		return fmt.Sprintf("%q", v.Error())
	default:
		return fmt.Sprintf("%v", v)
	}
}

func String(key, value string) Field   { return Field{Key: key, Value: value} }
func Int(key string, value int) Field  { return Field{Key: key, Value: value} }
func Uint32(key string, v uint32) Field { return Field{Key: key, Value: v} }
func Err(err error) Field              { return Field{Key: "error", Value: err} }
