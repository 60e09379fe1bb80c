// control/logger.go
// Author: momentics <momentics@gmail.com>
//
// zap logger construction with a runtime-adjustable level.

package control

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ParseLevel maps a level name to a zap level.
func ParseLevel(level string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("logging.level: unknown level %q", level)
	}
}

// NewLogger builds a logger for cfg. The returned AtomicLevel can be changed
// at runtime, e.g. from a configuration reload.
func NewLogger(cfg LoggingConfig) (*zap.Logger, zap.AtomicLevel, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	var zc zap.Config
	if cfg.Development {
		zc = zap.NewDevelopmentConfig()
	} else {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(lvl)
	logger, err := zc.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	return logger, zc.Level, nil
}

// ApplyLevel updates level from cfg, ignoring unknown names.
func ApplyLevel(level zap.AtomicLevel, cfg LoggingConfig) bool {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil || level.Level() == lvl {
		return false
	}
	level.SetLevel(lvl)
	return true
}
