package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewFromEnv creates a logger configured from environment variables:
//
//	CHROMEFLOW_LOG_LEVEL   debug|info|warn|error (default info)
//	CHROMEFLOW_LOG_FORMAT  json for production encoding, anything else
//	                       for the development console encoder
//	CHROMEFLOW_LOG_CALLER  "true" to annotate entries with caller info
func NewFromEnv() (*Logger, error) {
	level := levelFromString(os.Getenv("CHROMEFLOW_LOG_LEVEL"))
	development := os.Getenv("CHROMEFLOW_LOG_FORMAT") != "json"

	logger, err := newZapLogger(level, development)
	if err != nil {
		return nil, err
	}

	if os.Getenv("CHROMEFLOW_LOG_CALLER") == "true" {
		logger.zap = logger.zap.WithOptions(zap.AddCaller())
		logger.sugar = logger.zap.Sugar()
	}

	return logger, nil
}

func newZapLogger(level zapcore.Level, development bool) (*Logger, error) {
	var config zap.Config

	if development {
		config = zap.NewDevelopmentConfig()
		config.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		config.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000")
	} else {
		config = zap.NewProductionConfig()
		config.EncoderConfig.TimeKey = "timestamp"
		config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}

	config.Level = zap.NewAtomicLevelAt(level)

	zapLogger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to create zap logger: %w", err)
	}

	return &Logger{zap: zapLogger, sugar: zapLogger.Sugar()}, nil
}

func levelFromString(s string) zapcore.Level {
	switch strings.ToLower(s) {
	case "debug":
		return zap.DebugLevel
	case "warn", "warning":
		return zap.WarnLevel
	case "error":
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}
