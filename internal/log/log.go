// Package log provides the engine's structured logger: a logrus core
// behind a narrow interface, a pattern-based formatter and pluggable
// appenders (stdout, rotating file, Kafka, Loki).
package log

import (
	"sync"
)

type Logger interface {
	Print(args ...interface{})
	Printf(format string, args ...interface{})

	Trace(args ...interface{})
	Tracef(format string, args ...interface{})

	Debug(args ...interface{})
	Debugf(format string, args ...interface{})

	Info(args ...interface{})
	Infof(format string, args ...interface{})

	Warn(args ...interface{})
	Warnf(format string, args ...interface{})

	Error(args ...interface{})
	Errorf(format string, args ...interface{})

	Fatal(args ...interface{})
	Fatalf(format string, args ...interface{})

	WithField(field string, value interface{}) Logger
	WithFields(fields map[string]interface{}) Logger
	WithError(err error) Logger

	IsTraceEnabled() bool
	IsDebugEnabled() bool
	IsInfoEnabled() bool
}

var (
	mu     sync.Mutex
	logger Logger
)

// Init builds the global logger from configuration. The first call
// wins; later calls are ignored, so tests and tools may call it
// without checking whether the process already did.
func Init(cfg *Config) {
	mu.Lock()
	defer mu.Unlock()
	if logger != nil {
		return
	}
	l, err := newLogger(cfg)
	if err != nil {
		panic(err)
	}
	logger = l
}

// GetLogger returns the global logger, initializing it with defaults
// when Init was never called.
func GetLogger() Logger {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		l, err := newLogger(nil)
		if err != nil {
			panic(err)
		}
		logger = l
	}
	return logger
}
