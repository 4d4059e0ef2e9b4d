// Command cavi builds purchase indexes, fits the basket latent factor model
// and inspects the snapshots a fit leaves behind.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// rootOptions are the flags shared by every subcommand.
type rootOptions struct {
	configPath string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:          "cavi",
		Short:        "Coordinate ascent variational inference for customer basket data",
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "",
		"YAML configuration file (CAVI_ environment variables override it)")

	cmd.AddCommand(
		newSimulateCmd(),
		newIndexCmd(opts),
		newFitCmd(opts),
		newInspectCmd(),
	)
	return cmd
}
