package slogutil

import (
	"io"
	"log/slog"

	"pmdash/internal/config"
	"pmdash/internal/paths"
)

// LoggerFactory hands out per-subsystem file loggers under .pmdash/logs.
// Level precedence: CLI flag > subsystem config > global config.
type LoggerFactory struct {
	projectRoot string
	config      *config.Config
	cliLevel    *slog.Level
	closers     []io.Closer
}

// NewLoggerFactory creates a new logger factory. cliLevel is nil when no CLI override was given.
func NewLoggerFactory(projectRoot string, cfg *config.Config, cliLevel *slog.Level) *LoggerFactory {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &LoggerFactory{
		projectRoot: projectRoot,
		config:      cfg,
		cliLevel:    cliLevel,
	}
}

// SyncLogger writes to .pmdash/logs/sync.log.
func (f *LoggerFactory) SyncLogger() *slog.Logger {
	return f.subsystemLogger("sync")
}

// WatchLogger writes to .pmdash/logs/watch.log.
func (f *LoggerFactory) WatchLogger() *slog.Logger {
	return f.subsystemLogger("watch")
}

// subsystemLogger never fails: logging problems degrade to a discard logger.
func (f *LoggerFactory) subsystemLogger(subsystem string) *slog.Logger {
	if f.projectRoot == "" {
		return NewDiscardLogger()
	}
	if _, err := paths.EnsureLogsDir(f.projectRoot); err != nil {
		return NewDiscardLogger()
	}

	logger, closer, err := NewFileLoggerWithRotation(
		paths.LogPath(f.projectRoot, subsystem),
		f.EffectiveLevel(subsystem),
		f.config.Logging.MaxSize,
		f.config.Logging.MaxBackups,
	)
	if err != nil {
		return NewDiscardLogger()
	}
	f.closers = append(f.closers, closer)
	return logger.With("subsystem", subsystem)
}

// EffectiveLevel returns the level a subsystem logger would use.
func (f *LoggerFactory) EffectiveLevel(subsystem string) slog.Level {
	if f.cliLevel != nil {
		return *f.cliLevel
	}

	var override string
	switch subsystem {
	case "sync":
		override = f.config.Logging.Sync
	case "watch":
		override = f.config.Logging.Watch
	}
	if override != "" {
		return LevelFromString(override)
	}
	if f.config.Logging.Level != "" {
		return LevelFromString(f.config.Logging.Level)
	}
	return slog.LevelInfo
}

// Close closes all open log files.
func (f *LoggerFactory) Close() error {
	var firstErr error
	for _, c := range f.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	f.closers = nil
	return firstErr
}
