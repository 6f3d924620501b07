package mlog

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapLogger adapts a *zap.SugaredLogger to the Logger interface.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger builds a production-profile zap logger at the given level.
func NewZapLogger(level LogLevel) (*ZapLogger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(toZapLevel(level))

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	return &ZapLogger{sugar: logger.Sugar()}, nil
}

func toZapLevel(level LogLevel) zapcore.Level {
	switch level {
	case FatalLevel:
		return zapcore.FatalLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case DebugLevel:
		return zapcore.DebugLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *ZapLogger) Info(args ...any)          { l.sugar.Info(args...) }
func (l *ZapLogger) Infof(f string, a ...any)  { l.sugar.Infof(f, a...) }
func (l *ZapLogger) Error(args ...any)         { l.sugar.Error(args...) }
func (l *ZapLogger) Errorf(f string, a ...any) { l.sugar.Errorf(f, a...) }
func (l *ZapLogger) Warn(args ...any)          { l.sugar.Warn(args...) }
func (l *ZapLogger) Warnf(f string, a ...any)  { l.sugar.Warnf(f, a...) }
func (l *ZapLogger) Debug(args ...any)         { l.sugar.Debug(args...) }
func (l *ZapLogger) Debugf(f string, a ...any) { l.sugar.Debugf(f, a...) }
func (l *ZapLogger) Fatal(args ...any)         { l.sugar.Fatal(args...) }
func (l *ZapLogger) Fatalf(f string, a ...any) { l.sugar.Fatalf(f, a...) }

func (l *ZapLogger) WithFields(fields ...any) Logger {
	return &ZapLogger{sugar: l.sugar.With(fields...)}
}

func (l *ZapLogger) Sync() error {
	return l.sugar.Sync()
}
