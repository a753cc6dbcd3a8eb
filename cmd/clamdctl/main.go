// Package main is the entry point for the clamdctl binary: a command-line
// client and HTTP scan gateway for a ClamAV daemon.
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/DevHatRo/clamd-client-go/internal/config"
	"github.com/DevHatRo/clamd-client-go/internal/logging"
)

// Exit codes follow clamdscan: 1 when something was found, 2 on errors.
const (
	exitFound = 1
	exitError = 2
)

// exitCodeError carries a process exit code through cobra.
type exitCodeError struct {
	code int
	err  error
}

func (e *exitCodeError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitCodeError) Unwrap() error { return e.err }

func main() {
	if err := newRootCmd().Execute(); err != nil {
		var ec *exitCodeError
		if errors.As(err, &ec) {
			if ec.err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", ec.err)
			}
			os.Exit(ec.code)
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitError)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "clamdctl",
		Short: "Client and scan gateway for the ClamAV daemon",
		Long: `clamdctl talks to clamd over its TCP protocol.

Examples:
  clamdctl ping
  clamdctl scan ./upload.pdf
  cat upload.pdf | clamdctl scan -
  clamdctl serve --config clamdctl.toml`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to configuration file (TOML or YAML)")
	rootCmd.PersistentFlags().StringP("log-level", "l", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("host", "", "clamd host (overrides config)")
	rootCmd.PersistentFlags().Int("port", 0, "clamd port (overrides config)")

	rootCmd.AddCommand(newPingCmd(), newScanCmd(), newServeCmd())
	return rootCmd
}

// loadConfig loads the configuration file and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to get config flag: %w", err)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, err
	}

	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		cfg.Log.Level = lvl
	}
	if host, _ := cmd.Flags().GetString("host"); host != "" {
		cfg.Clamd.Host = host
	}
	if port, _ := cmd.Flags().GetInt("port"); port != 0 {
		cfg.Clamd.Port = port
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}

	logging.Setup(cfg.Log)
	return cfg, nil
}
