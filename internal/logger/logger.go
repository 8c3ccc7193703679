package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is the shared application logger. InitLogger must be called before use.
var Log *zap.Logger = zap.NewNop()

func InitLogger(level, format string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	switch format {
	case "console":
		cfg.Encoding = "console"
		cfg.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	case "json", "":
		cfg.Encoding = "json"
	default:
		return fmt.Errorf("invalid log format %q", format)
	}

	log, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	Log = log
	return nil
}

// Sync flushes buffered log entries. Call on shutdown.
func Sync() {
	_ = Log.Sync()
}
