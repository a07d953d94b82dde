// pkg/logger/logger.go
package logger

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production logger at the named level (debug, info, warn,
// error).
func New(level string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.Encoding = "console"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg.Build()
}

// VerbosityLevel maps an engine verbosity (0-5) onto a log level.
func VerbosityLevel(verbose int) zapcore.Level {
	switch {
	case verbose <= 0:
		return zapcore.WarnLevel
	case verbose >= 5:
		return zapcore.DebugLevel
	}
	return zapcore.InfoLevel
}

// ForVerbosity returns a child of base that only logs at the engine's
// verbosity or above. A base that is already quieter stays as it is.
func ForVerbosity(base *zap.Logger, verbose int) *zap.Logger {
	lvl := VerbosityLevel(verbose)
	if !base.Core().Enabled(lvl) {
		return base
	}
	return base.WithOptions(zap.IncreaseLevel(lvl))
}
