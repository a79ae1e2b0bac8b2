package logger

import (
	"os"

	"go.uber.org/zap"
)

var sugar *zap.SugaredLogger

func init() {
	sugar = build(os.Getenv("ENVIRONMENT"))
}

// Init rebuilds the global logger for the given environment. Call it once at
// startup, before any goroutine logs.
func Init(environment string) {
	sugar = build(environment)
}

func build(environment string) *zap.SugaredLogger {
	cfg := zap.NewProductionConfig()
	if environment == "development" {
		cfg = zap.NewDevelopmentConfig()
	}

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return zap.NewNop().Sugar()
	}
	return l.Sugar()
}

func Info(format string, v ...interface{}) {
	sugar.Infof(format, v...)
}

func Error(format string, v ...interface{}) {
	sugar.Errorf(format, v...)
}

// Debug is only emitted by the development config.
func Debug(format string, v ...interface{}) {
	sugar.Debugf(format, v...)
}

func Warn(format string, v ...interface{}) {
	sugar.Warnf(format, v...)
}

// Fatal logs and exits the process.
func Fatal(format string, v ...interface{}) {
	sugar.Fatalf(format, v...)
}

// With returns a child logger carrying structured fields.
func With(keysAndValues ...interface{}) *zap.SugaredLogger {
	return sugar.With(keysAndValues...)
}

func Sync() error {
	return sugar.Sync()
}
