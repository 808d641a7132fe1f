package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	pmerrors "pmdash/internal/errors"
	"pmdash/internal/operations"
)

var (
	syncMode   string
	syncPaths  []string
	syncNoWait bool
	syncPoll   time.Duration
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run a sync operation",
	Long: `Runs one sync operation and reports its progress.

Modes:
  full     re-ingest every root, rebuild all links and prune stale ones
  links    rebuild links from the stored entities
  changed  re-ingest only the given paths (implied by --path)

Only one operation runs per project; a second request fails with
OPERATION_IN_PROGRESS.

Examples:
  pmdash sync
  pmdash sync --mode=links
  pmdash sync --path docs/auth/login.md --path .claude/sessions/s-1.jsonl
  pmdash sync --no-wait --format=json`,
	RunE: runSync,
}

func init() {
	syncCmd.Flags().StringVar(&syncMode, "mode", "", "Operation mode (full, links, changed)")
	syncCmd.Flags().StringArrayVar(&syncPaths, "path", nil, "Changed path for --mode=changed (repeatable)")
	syncCmd.Flags().BoolVar(&syncNoWait, "no-wait", false, "Print the operation ID as soon as it is accepted instead of the final snapshot")
	syncCmd.Flags().DurationVar(&syncPoll, "poll", 250*time.Millisecond, "Progress poll interval")
	rootCmd.AddCommand(syncCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	mode := syncMode
	if mode == "" {
		mode = string(operations.KindFullSync)
		if len(syncPaths) > 0 {
			mode = string(operations.KindSyncChangedFiles)
		}
	}
	kind, err := operations.ParseKind(mode)
	if err != nil {
		return err
	}

	s, err := openSession("sync")
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := newContext()
	defer cancel()

	id, err := s.engine.StartOperation(ctx, kind, syncPaths)
	if err != nil {
		return err
	}
	if syncNoWait {
		return printResponse(&StartedResponseCLI{OperationID: id, Kind: kind})
	}

	stopProgress := startProgress(s, id)
	op, err := s.engine.Wait(ctx, id, syncPoll)
	stopProgress()
	if err != nil {
		if ctx.Err() != nil {
			fmt.Fprintf(os.Stderr, "Interrupted; waiting for operation %s to finish\n", id)
		}
		return err
	}

	if err := printResponse(op); err != nil {
		return err
	}
	if op.Status == operations.StatusFailed {
		return pmerrors.Newf(pmerrors.PhaseFailed, "operation %s failed: %s", op.ID, op.Error)
	}
	return nil
}

// startProgress prints phase changes to stderr until the returned func is called.
func startProgress(s *session, id string) func() {
	if quietFlag || OutputFormat(formatFlag) != FormatHuman {
		return func() {}
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(syncPoll)
		defer ticker.Stop()

		last := ""
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
			}
			op, err := s.engine.GetOperation(id)
			if err != nil || op.IsTerminal() {
				continue
			}
			if line := op.Progress(); line != last {
				fmt.Fprintf(os.Stderr, "  %s\n", line)
				last = line
			}
		}
	}()
	return func() {
		close(done)
		<-finished
	}
}
