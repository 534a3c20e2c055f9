package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "turnstile",
	Short: "Turnstile - shared-resource admission control and usage accounting",
	Long: `Turnstile is an admission control and usage accounting engine for shared
resources such as LLM API capacity.

It meters traffic per API key, group, or user, providing:
  - Sliding-window request rate limiting
  - Daily and monthly token quotas with calendar-aligned resets
  - Cost budget ceilings accounted in micro-USD
  - Escalating usage warnings at configurable thresholds
  - Durable per-period usage records for reporting

All counter state lives in a shared store, so any number of engine instances
agree on every admission decision.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")
}
