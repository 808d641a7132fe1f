package main

import (
	"github.com/spf13/cobra"

	"pmdash/internal/operations"
)

var (
	opsLimit  int
	opsOffset int
	opsStatus string
	opsKind   string
)

var opsCmd = &cobra.Command{
	Use:   "ops",
	Short: "Inspect sync operations",
	Long: `List, inspect and prune sync operations.

Examples:
  pmdash ops list
  pmdash ops list --status=running
  pmdash ops status <operation-id>
  pmdash ops prune`,
}

var opsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent operations",
	RunE:  runOpsList,
}

var opsStatusCmd = &cobra.Command{
	Use:   "status <operation-id>",
	Short: "Show one operation with per-phase progress",
	Args:  cobra.ExactArgs(1),
	RunE:  runOpsStatus,
}

var opsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete finished operations older than the retention window",
	RunE:  runOpsPrune,
}

func init() {
	opsListCmd.Flags().IntVar(&opsLimit, "limit", 20, "Maximum operations to return")
	opsListCmd.Flags().IntVar(&opsOffset, "offset", 0, "Operations to skip")
	opsListCmd.Flags().StringVar(&opsStatus, "status", "", "Filter by status (queued, running, completed, failed)")
	opsListCmd.Flags().StringVar(&opsKind, "kind", "", "Filter by kind (full_sync, rebuild_links, sync_changed_files)")

	opsCmd.AddCommand(opsListCmd)
	opsCmd.AddCommand(opsStatusCmd)
	opsCmd.AddCommand(opsPruneCmd)
	rootCmd.AddCommand(opsCmd)
}

func runOpsList(cmd *cobra.Command, args []string) error {
	s, err := openSession("sync")
	if err != nil {
		return err
	}
	defer s.Close()

	opts := operations.ListOptions{Limit: opsLimit, Offset: opsOffset}
	if opsStatus != "" {
		opts.Status = []operations.Status{operations.Status(opsStatus)}
	}
	if opsKind != "" {
		kind, err := operations.ParseKind(opsKind)
		if err != nil {
			return err
		}
		opts.Kind = []operations.Kind{kind}
	}

	resp, err := s.engine.ListOperations(opts)
	if err != nil {
		return err
	}
	return printResponse(resp)
}

func runOpsStatus(cmd *cobra.Command, args []string) error {
	s, err := openSession("sync")
	if err != nil {
		return err
	}
	defer s.Close()

	op, err := s.engine.GetOperation(args[0])
	if err != nil {
		return err
	}
	return printResponse(op)
}

func runOpsPrune(cmd *cobra.Command, args []string) error {
	s, err := openSession("sync")
	if err != nil {
		return err
	}
	defer s.Close()

	n, err := s.engine.PruneHistory()
	if err != nil {
		return err
	}
	return printResponse(&PruneResponseCLI{Deleted: n, Retention: s.engine.Config().HistoryRetention()})
}
