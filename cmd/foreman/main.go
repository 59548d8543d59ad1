package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jbweber/foreman/internal/config"
	"github.com/jbweber/foreman/internal/logger"
	"github.com/jbweber/foreman/internal/output"
)

var (
	version = "dev"
	commit  = "unknown"
)

var (
	configPath   string
	outputFormat string
	noHeaders    bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Foreman - VM lifecycle control plane",
	Long: `Foreman drives virtual machines on a fleet of libvirt hosts through a
persisted lifecycle state machine.

Run "foreman serve" on each control-plane node. The vm commands submit
lifecycle jobs to the shared store and wait for their outcome.`,
	Version:       fmt.Sprintf("%s (commit: %s)", version, commit),
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/foreman/foreman.yaml", "path to the configuration file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(vmCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(hostsCmd)
	rootCmd.AddCommand(statesCmd)
	rootCmd.AddCommand(configCmd)
}

// addOutputFlags registers the -o and --no-headers flags on cmd.
func addOutputFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&outputFormat, "output", "o", "table", "output format (table, yaml, json)")
	cmd.Flags().BoolVar(&noHeaders, "no-headers", false, "omit table headers")
}

func newFormatter() (output.Formatter, error) {
	if err := output.ValidateFormat(outputFormat); err != nil {
		return nil, err
	}
	return output.NewFormatter(output.Options{
		Format:    output.Format(outputFormat),
		NoHeaders: noHeaders,
	})
}

// loadConfig reads the configuration and initializes logging from it.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadFromFile(configPath)
	if err != nil {
		return nil, err
	}
	logger.Initialize(cfg.Logging.Level, logger.ParseFormat(cfg.Logging.Format))
	return cfg, nil
}
