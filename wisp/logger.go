package wisp

import (
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
)

// LogLevel specifies how much spew goes to the log.
type LogLevel int

const (
	// LogLevelUnknown is a default value for LogLevel; its behavior is undefined.
	LogLevelUnknown LogLevel = iota
	// LogLevelPanic causes output of an error message followed by a panic.
	LogLevelPanic
	// LogLevelFatal causes output of an error message followed by os.Exit(1).
	LogLevelFatal
	// LogLevelError is for unexpected error messages.
	LogLevelError
	// LogLevelWarning is for warning messages.
	LogLevelWarning
	// LogLevelInfo is for informational messages.
	LogLevelInfo
	// LogLevelDebug is for debug messages.
	LogLevelDebug
)

var logLevelNames = [...]string{
	"unknown", "panic", "fatal", "error", "warning", "info", "debug",
}

var nameToLogLevel = func() map[string]LogLevel {
	m := make(map[string]LogLevel, len(logLevelNames))
	for i, name := range logLevelNames {
		m[name] = LogLevel(i)
	}
	return m
}()

// StringToLogLevel converts a string to a LogLevel.
func StringToLogLevel(s string) LogLevel {
	result, ok := nameToLogLevel[strings.ToLower(s)]
	if !ok {
		result = LogLevelUnknown
	}
	return result
}

func (l LogLevel) String() string {
	if l < LogLevelUnknown || int(l) >= len(logLevelNames) {
		return logLevelNames[LogLevelUnknown]
	}
	return logLevelNames[l]
}

// Logger is a leveled, prefix-forking logging component used throughout the engine.
type Logger interface {
	// Log emits a message if logLevel is enabled; Panic/Fatal levels exit/panic after logging.
	Log(logLevel LogLevel, args ...interface{})
	Logf(logLevel LogLevel, f string, args ...interface{})

	ELog(args ...interface{})
	ELogf(f string, args ...interface{})
	WLog(args ...interface{})
	WLogf(f string, args ...interface{})
	ILog(args ...interface{})
	ILogf(f string, args ...interface{})
	DLog(args ...interface{})
	DLogf(f string, args ...interface{})

	// Error returns an error whose message carries this logger's prefix.
	Error(args ...interface{}) error
	Errorf(f string, args ...interface{}) error

	// WLogErrorf logs at warning level and returns an error with the same message.
	WLogErrorf(f string, args ...interface{}) error
	// DLogErrorf logs at debug level and returns an error with the same message.
	DLogErrorf(f string, args ...interface{}) error

	// Fork creates a child Logger with an additional prefix segment.
	Fork(prefix string, args ...interface{}) Logger

	Prefix() string
	GetLogLevel() LogLevel
	SetLogLevel(logLevel LogLevel)
}

// BasicLogger is a log stream with a level filter and a prefix prepended to each line.
type BasicLogger struct {
	prefix   string
	prefixC  string
	out      *log.Logger
	logLevel LogLevel
}

// NewLogger creates a new Logger with the given prefix and level, writing to os.Stderr.
func NewLogger(prefix string, logLevel LogLevel) Logger {
	prefixC := prefix
	if prefixC != "" {
		prefixC += ": "
	}
	return &BasicLogger{
		prefix:   prefix,
		prefixC:  prefixC,
		out:      log.New(os.Stderr, "", log.Ldate|log.Ltime),
		logLevel: logLevel,
	}
}

func (l *BasicLogger) logNoPrefix(logLevel LogLevel, msg string) {
	if logLevel <= l.logLevel || logLevel <= LogLevelFatal {
		l.out.Print(msg)
		if logLevel == LogLevelFatal {
			os.Exit(1)
		}
		if logLevel == LogLevelPanic {
			panic(msg)
		}
	}
}

// Log emits a message at the given level if it is enabled.
func (l *BasicLogger) Log(logLevel LogLevel, args ...interface{}) {
	l.logNoPrefix(logLevel, l.Sprint(args...))
}

// Logf emits a formatted message at the given level if it is enabled.
func (l *BasicLogger) Logf(logLevel LogLevel, f string, args ...interface{}) {
	l.logNoPrefix(logLevel, l.Sprintf(f, args...))
}

// ELog logs at error level.
func (l *BasicLogger) ELog(args ...interface{}) { l.Log(LogLevelError, args...) }

// ELogf logs at error level with formatting.
func (l *BasicLogger) ELogf(f string, args ...interface{}) { l.Logf(LogLevelError, f, args...) }

// WLog logs at warning level.
func (l *BasicLogger) WLog(args ...interface{}) { l.Log(LogLevelWarning, args...) }

// WLogf logs at warning level with formatting.
func (l *BasicLogger) WLogf(f string, args ...interface{}) { l.Logf(LogLevelWarning, f, args...) }

// ILog logs at info level.
func (l *BasicLogger) ILog(args ...interface{}) { l.Log(LogLevelInfo, args...) }

// ILogf logs at info level with formatting.
func (l *BasicLogger) ILogf(f string, args ...interface{}) { l.Logf(LogLevelInfo, f, args...) }

// DLog logs at debug level.
func (l *BasicLogger) DLog(args ...interface{}) { l.Log(LogLevelDebug, args...) }

// DLogf logs at debug level with formatting.
func (l *BasicLogger) DLogf(f string, args ...interface{}) { l.Logf(LogLevelDebug, f, args...) }

// Error returns an error carrying this logger's prefix.
func (l *BasicLogger) Error(args ...interface{}) error {
	return errors.New(l.Sprint(args...))
}

// Errorf returns a formatted error carrying this logger's prefix.
func (l *BasicLogger) Errorf(f string, args ...interface{}) error {
	return errors.New(l.Sprintf(f, args...))
}

// WLogErrorf logs at warning level and returns an error with the same message.
func (l *BasicLogger) WLogErrorf(f string, args ...interface{}) error {
	msg := l.Sprintf(f, args...)
	l.logNoPrefix(LogLevelWarning, msg)
	return errors.New(msg)
}

// DLogErrorf logs at debug level and returns an error with the same message.
func (l *BasicLogger) DLogErrorf(f string, args ...interface{}) error {
	msg := l.Sprintf(f, args...)
	l.logNoPrefix(LogLevelDebug, msg)
	return errors.New(msg)
}

// Sprintf formats a message with this logger's prefix prepended.
func (l *BasicLogger) Sprintf(f string, args ...interface{}) string {
	return l.prefixC + fmt.Sprintf(f, args...)
}

// Sprint formats a message with this logger's prefix prepended.
func (l *BasicLogger) Sprint(args ...interface{}) string {
	return l.prefixC + fmt.Sprint(args...)
}

// Fork creates a child Logger that appends a formatted segment onto this logger's prefix.
func (l *BasicLogger) Fork(prefix string, args ...interface{}) Logger {
	childPrefix := l.prefix + "/" + fmt.Sprintf(prefix, args...)
	return &BasicLogger{
		prefix:   childPrefix,
		prefixC:  childPrefix + ": ",
		out:      l.out,
		logLevel: l.logLevel,
	}
}

// Prefix returns this logger's prefix string, without the trailing ": ".
func (l *BasicLogger) Prefix() string {
	return l.prefix
}

// GetLogLevel returns the current log level.
func (l *BasicLogger) GetLogLevel() LogLevel {
	return l.logLevel
}

// SetLogLevel sets the log level.
func (l *BasicLogger) SetLogLevel(logLevel LogLevel) {
	l.logLevel = logLevel
}
