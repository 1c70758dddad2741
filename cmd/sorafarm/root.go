package main

import (
	"github.com/spf13/cobra"

	"github.com/phamdanguyen/auto-sora-veo3-sub000/version"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "sorafarm",
	Short: "Bulk video generation across a pool of platform accounts",
	Long: `Sorafarm drives bulk text-to-video and image-to-video generation
against a creative platform, spreading work across many accounts.

It manages the full job lifecycle:
  - Prompt submission with per-account rate limiting and cooldowns
  - Generation polling batched per account
  - Video download with integrity checks
  - Crash recovery from persisted checkpoints`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.sorafarm/config.yaml)",
	)

	rootCmd.AddCommand(versionCmd)
	rootCmd.AddCommand(configCmd)
}
