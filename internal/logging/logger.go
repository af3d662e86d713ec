// Package logging builds the zap loggers used across framekeeper. Each
// subsystem logs through a child logger named after its category, and
// categories can be switched off in config.
package logging

import (
	"fmt"
	"strings"

	"framekeeper/internal/config"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category represents a log category/system
type Category string

const (
	CategoryFrames  Category = "frames"  // Frame tree and manager events
	CategoryRealm   Category = "realm"   // Execution contexts and evaluation
	CategoryBinding Category = "binding" // Binding dispatch
	CategorySession Category = "session" // Protocol sessions and attach routing
	CategoryBrowser Category = "browser" // Browser launch and page targets
	CategoryInspect Category = "inspect" // HTTP inspect server
	CategoryConfig  Category = "config"  // Config loading and reloads
)

// Categories lists every known category.
var Categories = []Category{
	CategoryFrames,
	CategoryRealm,
	CategoryBinding,
	CategorySession,
	CategoryBrowser,
	CategoryInspect,
	CategoryConfig,
}

// ParseLevel maps a config level name to a zap level. Empty means info.
func ParseLevel(s string) (zapcore.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return zapcore.InfoLevel, nil
	case "debug":
		return zapcore.DebugLevel, nil
	case "warn", "warning":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	}
	return zapcore.InfoLevel, fmt.Errorf("unknown log level %q", s)
}

// New builds the root logger from cfg. The returned level can be changed at
// runtime, e.g. after a config reload.
func New(cfg config.LoggingConfig) (*zap.Logger, zap.AtomicLevel, error) {
	lvl, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}
	level := zap.NewAtomicLevelAt(lvl)

	zc := zap.NewProductionConfig()
	zc.Level = level
	zc.Sampling = nil
	zc.Encoding = "json"
	if cfg.Format == "console" || cfg.Format == "" {
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	zc.EncoderConfig.TimeKey = "ts"
	zc.OutputPaths = []string{"stderr"}
	if cfg.File != "" {
		zc.OutputPaths = append(zc.OutputPaths, cfg.File)
	}

	logger, err := zc.Build()
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, level, nil
}

// For returns the logger to hand to the subsystem of category c: root, or a
// no-op logger when c is switched off. Subsystems name their own child
// loggers after their category.
func For(root *zap.Logger, cfg config.LoggingConfig, c Category) *zap.Logger {
	if root == nil || !cfg.IsCategoryEnabled(string(c)) {
		return zap.NewNop()
	}
	return root
}

// SetLevel applies a level name to an atomic level. Unknown names leave the
// level unchanged.
func SetLevel(level zap.AtomicLevel, s string) error {
	lvl, err := ParseLevel(s)
	if err != nil {
		return err
	}
	level.SetLevel(lvl)
	return nil
}
