// Package cmd implements the boxctl operator commands.
package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/ticketdesk/boxoffice/common/logging"
	"github.com/ticketdesk/boxoffice/webhook/cmd/boxctl/output"
	"github.com/ticketdesk/boxoffice/webhook/internal/config"
)

var (
	cfgFile string
	cfg     *config.Config
	cfgErr  error
	format  string
	noColor bool
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "boxctl",
	Short: "Boxoffice operator CLI",
	Long: `boxctl operates the boxoffice webhook service.

Apply schema migrations, provision and inspect inventory, sign test payloads,
replay simulated checkouts against a running instance, inspect its dead-letter
queue and mint admin tokens.
It reads the same configuration file and BOXOFFICE_* environment as the service.`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command and prints any error.
func Execute() error {
	err := rootCmd.Execute()
	if err != nil {
		output.Error("%v", err)
	}
	return err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./config.yaml or /etc/boxoffice/config.yaml)")
	rootCmd.PersistentFlags().StringVarP(&format, "output", "o", output.FormatTable, "output format: table, json, yaml")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log store operations to stderr")
}

func initConfig() {
	output.NoColor = noColor || os.Getenv("NO_COLOR") != ""
	cfg, cfgErr = config.Load(cfgFile)
}

// loadedConfig returns the configuration or the error that prevented
// loading it.
func loadedConfig() (*config.Config, error) {
	if cfg == nil && cfgErr == nil {
		initConfig()
	}
	return cfg, cfgErr
}

// cliLogger is silent unless --verbose is set.
func cliLogger() *logging.Logger {
	if !verbose {
		return logging.Discard()
	}
	return logging.NewWithWriter(os.Stderr, logging.ParseLevel("debug"), "text")
}
