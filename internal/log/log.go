package log

import (
	"os"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

var (
	logger     atomic.Pointer[zap.SugaredLogger]
	loggerOnce sync.Once
	atomLevel  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// initLogger builds the process-wide logger writing console-encoded lines
// to stderr. The level can be changed at any time through SetLevel.
func initLogger() {
	loggerOnce.Do(func() {
		encCfg := zap.NewProductionEncoderConfig()
		encCfg.TimeKey = "ts"
		encCfg.EncodeTime = zapcore.RFC3339NanoTimeEncoder
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder

		core := zapcore.NewCore(
			zapcore.NewConsoleEncoder(encCfg),
			zapcore.Lock(os.Stderr),
			atomLevel,
		)
		logger.Store(zap.New(core).Sugar())
	})
}

// SetLevel changes the minimum level. Unknown values fall back to INFO.
func SetLevel(l Level) {
	initLogger()
	atomLevel.SetLevel(toZap(l))
}

// SetLogger replaces the underlying logger, also while other goroutines
// log. Intended for tests that want to observe log output (e.g. with
// zaptest/observer).
func SetLogger(l *zap.Logger) {
	initLogger()
	logger.Store(l.Sugar())
}

func Debug(msg string, kv ...any) {
	initLogger()
	logger.Load().Debugw(msg, kv...)
}

func Info(msg string, kv ...any) {
	initLogger()
	logger.Load().Infow(msg, kv...)
}

func Warn(msg string, kv ...any) {
	initLogger()
	logger.Load().Warnw(msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	initLogger()
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	logger.Load().Errorw(msg, extended...)
}

// Sync flushes buffered entries. Call before process exit.
func Sync() {
	initLogger()
	_ = logger.Load().Sync()
}

func toZap(l Level) zapcore.Level {
	switch l {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// cronLogger satisfies the robfig/cron Logger interface.
type cronLogger struct{}

// CronLogger returns an adapter that routes scheduler messages through this
// package. Info messages from cron are noisy, so they go to DEBUG.
func CronLogger() interface {
	Info(msg string, keysAndValues ...interface{})
	Error(err error, msg string, keysAndValues ...interface{})
} {
	return cronLogger{}
}

func (cronLogger) Info(msg string, kv ...interface{}) {
	Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...interface{}) {
	Error("cron: "+msg, err, kv...)
}
