package main

import (
	"github.com/spf13/cobra"

	"pmdash/internal/audit"
)

var (
	auditFeature      string
	auditPrimaryFloor float64
	auditFanoutFloor  int
	auditLimit        int
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Report suspect links",
	Long: `Flags links that look wrong without changing anything:

  high_fanout_low_confidence  the target is linked from many sources and this
                              link sits below the primary floor
  slug_mismatch               the evidence path names a different feature

Floors default to the audit section of .pmdash/config.json.

Examples:
  pmdash audit
  pmdash audit --feature=login-v1
  pmdash audit --primary-floor=0.6 --fanout-floor=5 --format=json`,
	RunE: runAudit,
}

func init() {
	auditCmd.Flags().StringVar(&auditFeature, "feature", "", "Only audit links targeting this feature")
	auditCmd.Flags().Float64Var(&auditPrimaryFloor, "primary-floor", 0, "Confidence below which a high-fanout link is suspect (0 uses config)")
	auditCmd.Flags().IntVar(&auditFanoutFloor, "fanout-floor", 0, "Distinct sources that make a target high-fanout (0 uses config)")
	auditCmd.Flags().IntVar(&auditLimit, "limit", 0, "Maximum suspects to report (0 uses config)")
	rootCmd.AddCommand(auditCmd)
}

func runAudit(cmd *cobra.Command, args []string) error {
	s, err := openSession("sync")
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := newContext()
	defer cancel()

	report, err := s.engine.GetAudit(ctx, audit.Options{
		FeatureID:    auditFeature,
		PrimaryFloor: auditPrimaryFloor,
		FanoutFloor:  auditFanoutFloor,
		Limit:        auditLimit,
	})
	if err != nil {
		return err
	}
	return printResponse(report)
}
