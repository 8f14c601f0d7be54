// Package logging builds the zap logger shared by every component.
package logging

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config selects the logger flavour.
type Config struct {
	Development bool
	// Level is a zap level name ("debug", "info", "warn", "error"). Empty means info.
	Level string
}

// New returns a development logger (console, debug) or a production logger
// (JSON) at the configured level.
func New(cfg Config) (*zap.Logger, error) {
	if cfg.Development {
		logger, err := zap.NewDevelopment()
		if err != nil {
			return nil, fmt.Errorf("build development logger: %w", err)
		}
		return logger, nil
	}

	level := zapcore.InfoLevel
	if cfg.Level != "" {
		parsed, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("parse log level %q: %w", cfg.Level, err)
		}
		level = parsed
	}

	zcfg := zap.NewProductionConfig()
	zcfg.Level = zap.NewAtomicLevelAt(level)
	logger, err := zcfg.Build()
	if err != nil {
		return nil, fmt.Errorf("build production logger: %w", err)
	}
	return logger, nil
}
