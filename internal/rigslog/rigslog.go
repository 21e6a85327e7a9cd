// Package rigslog configures the structured, leveled operational logger
// used for Foreman ticks, Refinery refresh outcomes, and circuit breaker
// state changes — distinct from auditlog's append-only domain event trail.
package rigslog

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production-configured zap logger at the given level name
// ("debug", "info", "warn", "error"; defaults to info on an unknown value).
func New(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()
	config.Level = zap.NewAtomicLevelAt(parseLevel(level))
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}
	return logger, nil
}

// NewDevelopment builds a human-readable console logger, used by cmd/rigsd
// when its --dev flag is set.
func NewDevelopment(level string) (*zap.Logger, error) {
	config := zap.NewDevelopmentConfig()
	config.Level = zap.NewAtomicLevelAt(parseLevel(level))
	logger, err := config.Build()
	if err != nil {
		return nil, fmt.Errorf("build development logger: %w", err)
	}
	return logger, nil
}

func parseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// Provider is a zap.String field keyed "provider", used at every Refinery
// and Dispatch log site for consistent structured filtering.
func Provider(value string) zap.Field {
	return zap.String("provider", value)
}

// BeadID is a zap.String field keyed "bead_id".
func BeadID(value string) zap.Field {
	return zap.String("bead_id", value)
}
