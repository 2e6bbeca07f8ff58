package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/dgnsrekt/mirrorsync/internal/config"
)

// newLogger builds the logger for one subcommand run. Verbose runs log at
// debug level to the console; otherwise logCfg.Level applies and output is
// JSON. With file logging enabled each run also writes its own file.
func newLogger(command string, verbose bool, logCfg config.LoggingConfig) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.DisableStacktrace = true
	if verbose {
		zc = zap.NewDevelopmentConfig()
	} else if logCfg.Level != "" {
		level, err := zapcore.ParseLevel(logCfg.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zc.Level = zap.NewAtomicLevelAt(level)
	}

	if logCfg.Enabled {
		path, err := runLogPath(logCfg.Directory, command, time.Now())
		if err != nil {
			return nil, err
		}
		zc.OutputPaths = append(zc.OutputPaths, path)
	}

	logger, err := zc.Build(zap.Fields(zap.Int("pid", os.Getpid())))
	if err != nil {
		return nil, fmt.Errorf("building %s logger: %w", command, err)
	}
	return logger.Named(command), nil
}

// runLogPath creates dir and names the file for a run of command started at.
func runLogPath(dir, command string, started time.Time) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating log directory: %w", err)
	}
	name := fmt.Sprintf("mirrorctl-%s-%s.log", command, started.UTC().Format("20060102T150405Z"))
	return filepath.Join(dir, name), nil
}
