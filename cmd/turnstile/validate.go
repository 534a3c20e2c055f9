package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"gatewise/turnstile/pkg/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Load the configuration file, apply defaults and environment overrides, and
report validation errors without starting the engine.

Examples:
  # Validate the default config file
  turnstile validate

  # Validate a specific file
  turnstile validate --config /etc/turnstile/config.yaml`,
	RunE: validateConfig,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func validateConfig(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	fmt.Println("✓ Configuration valid")
	fmt.Printf("  store backend: %s\n", cfg.Store.Backend)
	fmt.Printf("  listen address: %s\n", cfg.Server.ListenAddress)
	for name, scope := range cfg.Scopes {
		fmt.Printf("  scope %s: %d identifiers (allow_unknown=%t)\n", name, len(scope.Identifiers), scope.AllowUnknown)
	}
	return nil
}
