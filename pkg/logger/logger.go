package logger

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	globalLogger *zap.Logger
	once         sync.Once
)

// Init builds the process-wide logger. Encoding is "json" for the service
// and "console" for the CLI; an empty encoding means json.
func Init(level, encoding string) error {
	var err error
	once.Do(func() {
		globalLogger, err = newLogger(level, encoding)
	})
	return err
}

// Get returns the global logger, initializing it from LOG_LEVEL and
// LOG_ENCODING when Init was never called.
func Get() *zap.Logger {
	if globalLogger == nil {
		if err := Init(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_ENCODING")); err != nil || globalLogger == nil {
			globalLogger = zap.NewNop()
		}
	}
	return globalLogger
}

// Sync flushes any buffered log entries
func Sync() {
	if globalLogger != nil {
		_ = globalLogger.Sync()
	}
}

func newLogger(level, encoding string) (*zap.Logger, error) {
	return buildConfig(level, encoding).Build()
}

// buildConfig falls back to info for an unparseable level. An unknown
// encoding is left for zap to reject at Build time.
func buildConfig(level, encoding string) zap.Config {
	zapLevel := zapcore.InfoLevel
	if level != "" {
		if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
			zapLevel = zapcore.InfoLevel
		}
	}

	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(zapLevel)
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.MessageKey = "message"
	config.EncoderConfig.LevelKey = "level"
	config.EncoderConfig.CallerKey = "caller"

	switch encoding {
	case "", "json":
	case "console":
		config.Encoding = "console"
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
		config.Sampling = nil
	default:
		config.Encoding = encoding
	}
	return config
}
