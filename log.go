package mgo

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Logger is the package-wide debug hook, in the spirit of the historical
// mgo.SetDebug/mgo.SetLogger globals. It is set once at process start and
// read on session checkout, transaction start, commit/abort and session
// end, from any goroutine, so implementations must be safe for concurrent
// use.
type Logger interface {
	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
}

type zapLogger struct {
	l *zap.SugaredLogger
}

func (z *zapLogger) Debugw(msg string, kv ...interface{}) { z.l.Debugw(msg, kv...) }
func (z *zapLogger) Infow(msg string, kv ...interface{})  { z.l.Infow(msg, kv...) }
func (z *zapLogger) Warnw(msg string, kv ...interface{})  { z.l.Warnw(msg, kv...) }

type noopLogger struct{}

func (noopLogger) Debugw(string, ...interface{}) {}
func (noopLogger) Infow(string, ...interface{})  {}
func (noopLogger) Warnw(string, ...interface{})  {}

var (
	loggerMu     sync.RWMutex
	globalLogger Logger = noopLogger{}
	debugEnabled int32
)

// SetLogger installs a custom logger. Passing nil restores the no-op
// default.
func SetLogger(l Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if l == nil {
		globalLogger = noopLogger{}
		return
	}
	globalLogger = l
}

// SetDebug toggles the default zap-backed logger on or off. It has no
// effect if a custom Logger was installed via SetLogger.
func SetDebug(enabled bool) {
	atomic.StoreInt32(&debugEnabled, boolToInt32(enabled))
	loggerMu.Lock()
	defer loggerMu.Unlock()
	switch globalLogger.(type) {
	case *zapLogger, noopLogger:
	default:
		return // a custom Logger installed via SetLogger is left in place
	}
	if enabled {
		z, err := zap.NewDevelopment()
		if err != nil {
			z = zap.NewNop()
		}
		globalLogger = &zapLogger{l: z.Sugar()}
	} else {
		globalLogger = noopLogger{}
	}
}

func boolToInt32(b bool) int32 {
	if b {
		return 1
	}
	return 0
}

func logger() Logger {
	loggerMu.RLock()
	defer loggerMu.RUnlock()
	return globalLogger
}
