// Package logging provides the leveled, printf-style logging used across the
// library, backed by zap.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbose enables per-method debug tracing via DebugMethod.
var Verbose bool

var (
	mu    sync.RWMutex
	sugar = zap.NewNop().Sugar()
)

// Init builds and installs a zap logger. In development mode output is
// human-readable and debug-leveled; in production it is JSON at info level.
func Init(development bool) error {
	var cfg zap.Config
	if development {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.EncoderConfig.TimeKey = "ts"
	}
	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	SetLogger(logger)
	return nil
}

// SetLogger installs an externally constructed zap logger. Useful for
// embedding the library into an application with its own logging setup.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	sugar = l.Sugar()
}

func log() *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return sugar
}

func Debug(format string, args ...interface{}) {
	log().Debugf(format, args...)
}

func Info(format string, args ...interface{}) {
	log().Infof(format, args...)
}

func Warn(format string, args ...interface{}) {
	log().Warnf(format, args...)
}

func Error(format string, args ...interface{}) {
	log().Errorf(format, args...)
}

// DebugMethod logs a debug message prefixed with package and method, but only
// when Verbose is set. Intended for chatty per-call tracing.
func DebugMethod(pkg, method, format string, args ...interface{}) {
	if !Verbose {
		return
	}
	log().Debugf(pkg+"."+method+": "+format, args...)
}
