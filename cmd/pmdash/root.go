package main

import (
	"github.com/spf13/cobra"

	"pmdash/internal/version"
)

var (
	formatFlag  string
	verboseFlag int
	quietFlag   bool
)

var rootCmd = &cobra.Command{
	Use:   "pmdash",
	Short: "pmdash - project entity correlation",
	Long: `pmdash correlates the plans, progress notes, tasks and agent sessions of a
project into a confidence-scored link graph, keeps it current as files change,
and audits it for suspect links.`,
	Version:       version.Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate("pmdash version {{.Version}}\n")
	rootCmd.PersistentFlags().StringVar(&formatFlag, "format", "human", "Output format (json, human)")
	rootCmd.PersistentFlags().CountVarP(&verboseFlag, "verbose", "v", "Increase log verbosity (-v info, -vv debug)")
	rootCmd.PersistentFlags().BoolVarP(&quietFlag, "quiet", "q", false, "Suppress all log output on stderr")
}
