// Package logging provides a leveled logger on top of the standard log
// package.
//
// A nil *Logger is valid and discards everything.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
)

// Level controls verbosity.
type Level int

const (
	// LevelError logs only internal faults.
	LevelError Level = iota
	// LevelWarn adds recoverable problems.
	LevelWarn
	// LevelInfo is the default. Connections, registrations, shutdown.
	LevelInfo
	// LevelDebug adds per-message detail.
	LevelDebug
	// LevelTrace adds expected state conflicts (nick in use, bad key, ...).
	LevelTrace
)

func (l Level) String() string {
	switch l {
	case LevelError:
		return "ERR"
	case LevelWarn:
		return "WRN"
	case LevelInfo:
		return "INF"
	case LevelDebug:
		return "DBG"
	case LevelTrace:
		return "TRC"
	default:
		return fmt.Sprintf("L%d", int(l))
	}
}

// Logger writes messages at or below its level.
type Logger struct {
	level Level
	l     *log.Logger
}

// New creates a Logger writing to w.
func New(w io.Writer, level Level) *Logger {
	return &Logger{
		level: level,
		l:     log.New(w, "", log.LstdFlags),
	}
}

// Default logs to stderr at the given level.
func Default(level Level) *Logger {
	return New(os.Stderr, level)
}

// FromVerbosity maps a count of -v flags to a level. 0 is info.
func FromVerbosity(v int) Level {
	level := LevelInfo + Level(v)
	if level > LevelTrace {
		level = LevelTrace
	}
	return level
}

// Enabled reports whether messages at level would be written.
func (lg *Logger) Enabled(level Level) bool {
	return lg != nil && level <= lg.level
}

// Errorf logs an internal fault.
func (lg *Logger) Errorf(format string, args ...interface{}) {
	lg.write(LevelError, format, args...)
}

// Warnf logs a recoverable problem.
func (lg *Logger) Warnf(format string, args ...interface{}) {
	lg.write(LevelWarn, format, args...)
}

// Infof logs at info.
func (lg *Logger) Infof(format string, args ...interface{}) {
	lg.write(LevelInfo, format, args...)
}

// Debugf logs at debug.
func (lg *Logger) Debugf(format string, args ...interface{}) {
	lg.write(LevelDebug, format, args...)
}

// Tracef logs at trace.
func (lg *Logger) Tracef(format string, args ...interface{}) {
	lg.write(LevelTrace, format, args...)
}

func (lg *Logger) write(level Level, format string, args ...interface{}) {
	if !lg.Enabled(level) {
		return
	}
	lg.l.Printf("[%s] %s", level, fmt.Sprintf(format, args...))
}
