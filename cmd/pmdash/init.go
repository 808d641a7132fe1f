package main

import (
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"pmdash/internal/config"
	pmerrors "pmdash/internal/errors"
	"pmdash/internal/paths"
	"pmdash/internal/project"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Initialize a pmdash project",
	Long: `Creates .pmdash/project.toml with the default document, progress and session
roots, plus a default .pmdash/config.json. Running init again is a no-op.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

func runInit(cmd *cobra.Command, args []string) error {
	dir := "."
	if len(args) == 1 {
		dir = args[0]
	}
	root, err := filepath.Abs(dir)
	if err != nil {
		return pmerrors.New(pmerrors.InvalidPath, "failed to resolve directory", err)
	}

	p, created, err := project.Init(root)
	if err != nil {
		return err
	}

	configPath := filepath.Join(paths.StateDir(p.Root), "config.json")
	if _, statErr := os.Stat(configPath); os.IsNotExist(statErr) {
		if err := config.DefaultConfig().Save(p.Root); err != nil {
			return pmerrors.New(pmerrors.InternalError, "failed to write config file", err)
		}
	}

	return printResponse(&InitResponseCLI{
		ProjectID:     p.ID,
		Root:          p.Root,
		Created:       created,
		DocRoots:      p.DocRoots,
		ProgressRoots: p.ProgressRoots,
		SessionRoots:  p.SessionRoots,
		ConfigPath:    configPath,
	})
}
