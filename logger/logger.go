// Package logger provides leveled, prefixed logging for the engine.
// The call shape (Trace/Debug/Info/Warn/Error with a component prefix and
// printf-style args) matches what every package in this module expects;
// the backend is a zap SugaredLogger (development config, no sampling) so
// formatting and level filtering follow the same conventions as the rest
// of the pack.
package logger

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogLevel represents the severity of a log message.
type LogLevel int

const (
	TRACE LogLevel = iota // low-level driver/scheduler polling detail
	DEBUG                 // protocol message detail (fragments, handshakes)
	INFO                  // high-level events (peer state transitions)
	WARN                  // recoverable problems
	ERROR                 // errors surfaced to the caller
)

var (
	mu           sync.RWMutex
	currentLevel = DEBUG
	base         = newBaseLogger(DEBUG)
)

func zapLevel(l LogLevel) zapcore.Level {
	switch l {
	case TRACE, DEBUG:
		// zap has no trace level; route trace through debug.
		return zapcore.DebugLevel
	case INFO:
		return zapcore.InfoLevel
	case WARN:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

func newBaseLogger(level LogLevel) *zap.SugaredLogger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel(level))
	cfg.EncoderConfig.TimeKey = "ts"
	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// zap.NewDevelopmentConfig().Build() only fails on a broken sink
		// configuration, which never happens with the defaults above.
		panic(fmt.Sprintf("logger: failed to build zap logger: %v", err))
	}
	return l.Sugar()
}

// SetLevel sets the global log level.
func SetLevel(level LogLevel) {
	mu.Lock()
	defer mu.Unlock()
	currentLevel = level
	base = newBaseLogger(level)
}

// GetLevel returns the current log level.
func GetLevel() LogLevel {
	mu.RLock()
	defer mu.RUnlock()
	return currentLevel
}

// ParseLevel converts a string to a LogLevel, defaulting to INFO on an
// unrecognized value.
func ParseLevel(level string) LogLevel {
	switch strings.ToUpper(level) {
	case "TRACE":
		return TRACE
	case "DEBUG":
		return DEBUG
	case "INFO":
		return INFO
	case "WARN":
		return WARN
	case "ERROR":
		return ERROR
	default:
		return INFO
	}
}

func emit(level LogLevel, prefix, format string, args ...interface{}) {
	if level < GetLevel() {
		return
	}

	mu.RLock()
	l := base
	mu.RUnlock()

	msg := fmt.Sprintf(format, args...)
	if prefix != "" {
		msg = fmt.Sprintf("[%s] %s", prefix, msg)
	}

	switch level {
	case TRACE, DEBUG:
		l.Debug(msg)
	case INFO:
		l.Info(msg)
	case WARN:
		l.Warn(msg)
	default:
		l.Error(msg)
	}
}

// Trace logs low-level scheduler/driver detail.
func Trace(prefix, format string, args ...interface{}) { emit(TRACE, prefix, format, args...) }

// Debug logs protocol message detail.
func Debug(prefix, format string, args ...interface{}) { emit(DEBUG, prefix, format, args...) }

// Info logs high-level events.
func Info(prefix, format string, args ...interface{}) { emit(INFO, prefix, format, args...) }

// Warn logs recoverable problems.
func Warn(prefix, format string, args ...interface{}) { emit(WARN, prefix, format, args...) }

// Error logs problems surfaced to the caller.
func Error(prefix, format string, args ...interface{}) { emit(ERROR, prefix, format, args...) }

// ToJSON renders any value as pretty-printed JSON for log/debug dumps.
func ToJSON(v interface{}) string {
	jsonBytes, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("<error: %v>", err)
	}
	return string(jsonBytes)
}

// DebugJSON logs a debug message with a JSON representation of v.
func DebugJSON(prefix, label string, v interface{}) {
	if GetLevel() > DEBUG {
		return
	}
	emit(DEBUG, prefix, "%s:\n%s", label, ToJSON(v))
}

// TraceJSON logs a trace message with a JSON representation of v.
func TraceJSON(prefix, label string, v interface{}) {
	if GetLevel() > TRACE {
		return
	}
	emit(TRACE, prefix, "%s:\n%s", label, ToJSON(v))
}
