// Package cmd provides the CLI commands for mandategate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mandategate/mandategate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "mandategate",
	Short: "mandategate - policy-driven authority for autonomous agents",
	Long: `mandategate issues signed-off authority (mandates) to autonomous agents
and enforces it at runtime: tool scoping, cost budgets, rate limits, and an
emergency kill switch, with an append-only audit trail.

Quick start:
  1. Create a config file: mandategate.yaml
  2. Run: mandategate serve

Configuration:
  Config is loaded from mandategate.yaml in the current directory,
  $HOME/.mandategate/, or /etc/mandategate/.

  Environment variables can override config values with the MANDATEGATE_ prefix.
  Example: MANDATEGATE_SERVER_HTTP_ADDR=:9090

Commands:
  serve       Start the mandate authority server
  hash-key    Generate the SHA-256 hash for an API key
  version     Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./mandategate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
