package kafka

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger builds a production zap logger filtered at level. LogLevelNone
// returns a no-op logger.
func NewLogger(level LogLevel) (*zap.Logger, error) {
	if level == LogLevelNone {
		return zap.NewNop(), nil
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(level.zap())
	return cfg.Build()
}

func (l LogLevel) zap() zapcore.Level {
	switch l {
	case LogLevelError:
		return zapcore.ErrorLevel
	case LogLevelWarn:
		return zapcore.WarnLevel
	case LogLevelInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// nativeLevel maps a syslog severity, as used by the engine, to zap.
func nativeLevel(severity int) zapcore.Level {
	switch {
	case severity <= 3:
		return zapcore.ErrorLevel
	case severity == 4:
		return zapcore.WarnLevel
	case severity <= 6:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

func logNative(log *zap.Logger, severity int, facility, message string) {
	if ce := log.Check(nativeLevel(severity), message); ce != nil {
		ce.Write(
			zap.String("facility", facility),
			zap.Int("severity", severity),
		)
	}
}

func orNop(log *zap.Logger) *zap.Logger {
	if log == nil {
		return zap.NewNop()
	}
	return log
}
