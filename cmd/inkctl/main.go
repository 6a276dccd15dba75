// Command inkctl manages studio policy rules from the command line.
package main

import (
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"inkstudio/internal/adapters/observability"
	"inkstudio/internal/shared"
)

var (
	cfg     shared.Config
	verbose bool
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:           "inkctl",
	Short:         "Validate, evaluate and import studio policy rules",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		cfg = shared.Load()
		level := cfg.LogLevel
		if verbose {
			level = "debug"
		}
		log.Logger = observability.NewLogger(cfg.AppEnv, "inkctl", level)
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(evalCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(tokenCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("inkctl failed")
		os.Exit(1)
	}
}
