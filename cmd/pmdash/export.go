package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"pmdash/internal/export"
)

var (
	exportOut             string
	exportFeature         string
	exportMinConfidence   float64
	exportSkipSuggestions bool
	exportLevel           int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the link graph as JSONL",
	Long: `Writes a header line, one line per feature with its link digest, then one
line per link. A .zst output path is zstd-compressed.

Examples:
  pmdash export
  pmdash export --out links.jsonl --skip-suggestions
  pmdash export --feature=login-v1 --min-confidence=0.6`,
	RunE: runExport,
}

func init() {
	exportCmd.Flags().StringVar(&exportOut, "out", "links.jsonl.zst", "Output file (.zst for zstd compression)")
	exportCmd.Flags().StringVar(&exportFeature, "feature", "", "Only export links targeting this feature")
	exportCmd.Flags().Float64Var(&exportMinConfidence, "min-confidence", 0, "Drop links below this confidence")
	exportCmd.Flags().BoolVar(&exportSkipSuggestions, "skip-suggestions", false, "Drop suggestion links")
	exportCmd.Flags().IntVar(&exportLevel, "level", 0, "zstd level 1-4 (0 uses the default)")
	rootCmd.AddCommand(exportCmd)
}

func runExport(cmd *cobra.Command, args []string) error {
	s, err := openSession("sync")
	if err != nil {
		return err
	}
	defer s.Close()

	ctx, cancel := newContext()
	defer cancel()

	out, err := filepath.Abs(exportOut)
	if err != nil {
		return err
	}
	res, err := s.engine.Export(ctx, out, export.Options{
		FeatureID:        exportFeature,
		MinConfidence:    exportMinConfidence,
		SkipSuggestions:  exportSkipSuggestions,
		CompressionLevel: exportLevel,
	})
	if err != nil {
		return err
	}
	return printResponse(&ExportResponseCLI{
		Path:     out,
		Features: res.Features,
		Links:    res.Links,
		Bytes:    res.Bytes,
		Duration: res.Duration,
	})
}
