package main

import (
	"github.com/spf13/cobra"

	"fno-automation-engine/internal/config"
)

var operatorsFile string

func newRootCommand(version string) *cobra.Command {
	root := &cobra.Command{
		Use:   "fno-engine",
		Short: "Network operations automation engine for fibre network operators",
		Long: `fno-engine runs availability checks, orders, cancellations and fault escalations
against upstream fibre network operators, over their APIs or their web portals, and
escalates degraded ONT signal readings into fault tickets.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&operatorsFile, "operators-file", "", "operator registry YAML (overrides OPERATORS_FILE)")

	root.AddCommand(newServeCommand())
	root.AddCommand(newOperatorsCommand())
	return root
}

// loadConfig reads the environment and applies command-line overrides.
func loadConfig() config.Config {
	cfg := config.Load()
	if operatorsFile != "" {
		cfg.OperatorsFile = operatorsFile
	}
	return cfg
}
