package main

import (
	"github.com/spf13/cobra"
)

var linksCmd = &cobra.Command{
	Use:   "links [entity-id]",
	Short: "Show the links of one entity",
	Long: `Shows the outgoing and incoming links of a feature, session, task or
document. Document IDs are project-relative paths; absolute paths inside the
project are accepted. Without an argument, prints link graph totals.

Examples:
  pmdash links
  pmdash links login-v1
  pmdash links docs/auth/login.md
  pmdash links s-001 --format=json`,
	Args: cobra.MaximumNArgs(1),
	RunE: runLinks,
}

func init() {
	rootCmd.AddCommand(linksCmd)
}

func runLinks(cmd *cobra.Command, args []string) error {
	s, err := openSession("sync")
	if err != nil {
		return err
	}
	defer s.Close()

	if len(args) == 0 {
		stats, err := s.engine.LinkStats()
		if err != nil {
			return err
		}
		return printResponse(stats)
	}

	resp, err := s.engine.GetLinksFor(args[0])
	if err != nil {
		return err
	}
	return printResponse(resp)
}
