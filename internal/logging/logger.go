// Package logging provides categorized structured logging for StudyMate.
// Each subsystem logs through a named zap logger; the level and encoding are
// set once at startup from config. Before Init the package hands out no-op
// loggers so early code paths and tests never nil-check.
package logging

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category names one subsystem's logger.
type Category string

const (
	CategoryBoot       Category = "boot"
	CategoryConfig     Category = "config"
	CategoryStore      Category = "store"
	CategoryRuntime    Category = "runtime"    // model runtime adapter
	CategoryResidency  Category = "residency"  // specialist load/unload
	CategoryBrain      Category = "brain"      // brain HTTP service
	CategorySupervisor Category = "supervisor" // brain child process
	CategoryClient     Category = "client"     // brain client
	CategoryProcessing Category = "processing" // material pipeline
	CategoryQueue      Category = "queue"
	CategorySearch     Category = "search"
	CategoryComposer   Category = "composer"
	CategoryChat       Category = "chat"
	CategoryServer     Category = "server"
)

// Config controls the global logger. Zero value means info-level console
// output to stderr.
type Config struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	JSONFormat bool   `yaml:"json_format"` // JSON encoding instead of console
	OutputPath string `yaml:"output_path"` // file path; empty means stderr
}

var (
	mu   sync.RWMutex
	root = zap.NewNop()
)

// Init builds the root logger from config. Safe to call more than once; the
// last call wins.
func Init(cfg Config) error {
	level := zapcore.InfoLevel
	switch cfg.Level {
	case "", "info":
	case "debug":
		level = zapcore.DebugLevel
	case "warn", "warning":
		level = zapcore.WarnLevel
	case "error":
		level = zapcore.ErrorLevel
	default:
		return fmt.Errorf("unknown log level %q", cfg.Level)
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	if !cfg.JSONFormat {
		zc.Encoding = "console"
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	zc.OutputPaths = []string{"stderr"}
	if cfg.OutputPath != "" {
		zc.OutputPaths = []string{cfg.OutputPath}
	}

	logger, err := zc.Build()
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}

	mu.Lock()
	root = logger
	mu.Unlock()
	return nil
}

// Get returns the sugared logger for a category.
func Get(cat Category) *zap.SugaredLogger {
	mu.RLock()
	defer mu.RUnlock()
	return root.Named(string(cat)).Sugar()
}

// Sync flushes buffered log entries. Called on shutdown.
func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = root.Sync()
}

// SetLogger replaces the root logger. Tests use this with zaptest loggers.
func SetLogger(l *zap.Logger) {
	mu.Lock()
	defer mu.Unlock()
	if l == nil {
		l = zap.NewNop()
	}
	root = l
}
