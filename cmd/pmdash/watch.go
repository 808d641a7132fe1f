package main

import (
	"context"

	"github.com/spf13/cobra"

	pmerrors "pmdash/internal/errors"
	"pmdash/internal/operations"
	"pmdash/internal/watcher"
)

var watchInitialSync bool

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Keep the link graph current as files change",
	Long: `Watches the document, progress and session roots and runs a
sync_changed_files operation for every settled batch of changes. Runs until
interrupted. Logs go to .pmdash/logs/watch.log as well as stderr.

Examples:
  pmdash watch
  pmdash watch --initial-sync=false -v`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().BoolVar(&watchInitialSync, "initial-sync", true, "Run a full sync before watching")
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	s, err := openSession("watch")
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := newContext()
	defer cancel()

	cfg := s.engine.Config()
	if !cfg.Watcher.Enabled {
		return pmerrors.New(pmerrors.ConfigInvalid, "file watching is disabled (watcher.enabled=false)", nil)
	}

	if watchInitialSync {
		op, err := s.engine.RunOperation(ctx, operations.KindFullSync, nil)
		switch {
		case err != nil && op == nil:
			return err
		case err != nil:
			s.logger.Warn("Initial sync failed, watching anyway", "operation", op.ID, "error", op.Error)
		default:
			s.logger.Info("Initial sync finished", "operation", op.ID, "duration", op.Duration())
		}
	}

	var w *watcher.Watcher
	handler := func(changed []string) {
		op, err := s.engine.RunOperation(context.Background(), operations.KindSyncChangedFiles, changed)
		switch {
		case pmerrors.CodeOf(err) == pmerrors.OperationInProgress:
			s.logger.Info("Sync in progress, requeueing changes", "paths", len(changed))
			w.Retry(changed)
		case err != nil && op != nil:
			s.logger.Warn("Changed-file sync failed", "operation", op.ID, "error", op.Error)
		case err != nil:
			s.logger.Error("Failed to sync changed files", "error", err)
		default:
			s.logger.Info("Synced changed files", "operation", op.ID, "paths", len(changed), "duration", op.Duration())
		}
	}

	w, err = watcher.New(s.engine.Project(), cfg.Watcher, s.logger, handler)
	if err != nil {
		return err
	}

	s.logger.Info("Watching for changes", "project", s.engine.Project().ID, "debounceMs", cfg.Watcher.DebounceMs)
	if err := w.Run(ctx); err != nil && ctx.Err() == nil {
		return err
	}
	stats := w.Stats()
	s.logger.Info("Watcher stopped", "events", stats.Events, "batches", stats.Batches, "errors", stats.Errors)
	return nil
}
