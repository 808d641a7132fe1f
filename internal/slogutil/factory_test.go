package slogutil

import (
	"log/slog"
	"os"
	"strings"
	"testing"

	"pmdash/internal/config"
	"pmdash/internal/paths"
)

func TestLoggerFactory_EffectiveLevel(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Logging.Level = "warn"
	cfg.Logging.Sync = "debug"

	f := NewLoggerFactory(t.TempDir(), cfg, nil)
	if got := f.EffectiveLevel("sync"); got != slog.LevelDebug {
		t.Errorf("sync level = %v, want debug", got)
	}
	if got := f.EffectiveLevel("watch"); got != slog.LevelWarn {
		t.Errorf("watch level = %v, want warn", got)
	}

	cli := slog.LevelError
	f = NewLoggerFactory(t.TempDir(), cfg, &cli)
	if got := f.EffectiveLevel("sync"); got != slog.LevelError {
		t.Errorf("CLI override level = %v, want error", got)
	}
}

func TestLoggerFactory_SyncLogger(t *testing.T) {
	root := t.TempDir()
	f := NewLoggerFactory(root, nil, nil)

	f.SyncLogger().Info("operation started", "kind", "full_sync")
	if err := f.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(paths.LogPath(root, "sync"))
	if err != nil {
		t.Fatalf("reading sync log: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "subsystem=sync") || !strings.Contains(out, "kind=full_sync") {
		t.Errorf("unexpected log content: %s", out)
	}
}

func TestLoggerFactory_NoRoot(t *testing.T) {
	f := NewLoggerFactory("", nil, nil)
	f.WatchLogger().Error("dropped")
	if err := f.Close(); err != nil {
		t.Fatal(err)
	}
}
