package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a leveled key/value logger. Pairs follow the message:
// log.Info("Room joined", "room_id", id, "user_id", userID).
type Logger interface {
	Debug(msg string, keysAndValues ...interface{})
	Info(msg string, keysAndValues ...interface{})
	Warn(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Fatal(msg string, keysAndValues ...interface{})
	With(keysAndValues ...interface{}) Logger
	Sync() error
}

type zapLogger struct {
	s *zap.SugaredLogger
}

// New builds a JSON logger at the given level ("debug", "info", "warn", "error").
// Unknown levels fall back to info.
func New(level string) Logger {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	l, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		l = zap.NewExample()
	}
	return &zapLogger{s: l.Sugar()}
}

// NewDevelopment is a console logger for the terminal client.
func NewDevelopment() Logger {
	l, err := zap.NewDevelopment(zap.AddCallerSkip(1))
	if err != nil {
		l = zap.NewExample()
	}
	return &zapLogger{s: l.Sugar()}
}

// NewNop discards everything. Used in tests.
func NewNop() Logger {
	return &zapLogger{s: zap.NewNop().Sugar()}
}

func (l *zapLogger) Debug(msg string, keysAndValues ...interface{}) {
	l.s.Debugw(msg, keysAndValues...)
}

func (l *zapLogger) Info(msg string, keysAndValues ...interface{}) {
	l.s.Infow(msg, keysAndValues...)
}

func (l *zapLogger) Warn(msg string, keysAndValues ...interface{}) {
	l.s.Warnw(msg, keysAndValues...)
}

func (l *zapLogger) Error(msg string, keysAndValues ...interface{}) {
	l.s.Errorw(msg, keysAndValues...)
}

func (l *zapLogger) Fatal(msg string, keysAndValues ...interface{}) {
	l.s.Fatalw(msg, keysAndValues...)
}

func (l *zapLogger) With(keysAndValues ...interface{}) Logger {
	return &zapLogger{s: l.s.With(keysAndValues...)}
}

func (l *zapLogger) Sync() error {
	return l.s.Sync()
}
