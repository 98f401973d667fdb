// Package logger provides the process-wide zap logger. Every binary calls
// Init once at startup and accesses the logger through Get.
package logger

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logger configuration
type Config struct {
	// Level is the minimum level to emit: debug, info, warn, error.
	// Unknown values fall back to info (debug when Development is set).
	Level string
	// ServiceName is attached to every entry as the "service" field.
	ServiceName string
	// Development switches to the console encoder with colored levels.
	Development bool
}

var (
	mu     sync.RWMutex
	global = zap.NewNop()
)

// Init builds the global logger from cfg. Safe to call more than once; the
// last call wins.
func Init(cfg *Config) error {
	if cfg == nil {
		cfg = &Config{}
	}

	level := parseLevel(cfg.Level, cfg.Development)

	var zapCfg zap.Config
	if cfg.Development {
		zapCfg = zap.NewDevelopmentConfig()
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		zapCfg = zap.NewProductionConfig()
		zapCfg.EncoderConfig.TimeKey = "ts"
		zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	log, err := zapCfg.Build(zap.AddCallerSkip(0))
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	if cfg.ServiceName != "" {
		log = log.With(zap.String("service", cfg.ServiceName))
	}

	mu.Lock()
	global = log
	mu.Unlock()
	return nil
}

// Get returns the global logger. Before Init it returns a no-op logger.
func Get() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return global
}

// Sync flushes buffered entries. Call via defer from main.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = global.Sync()
}

func parseLevel(s string, development bool) zapcore.Level {
	switch s {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		if development {
			return zapcore.DebugLevel
		}
		return zapcore.InfoLevel
	}
}
