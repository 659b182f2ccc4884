package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "hive",
		Short:         "Hive swarm dispatch and execution engine",
		SilenceErrors: true,
		SilenceUsage:  true,
	}
	root.AddCommand(
		newGatewayCmd(),
		newExportCmd(),
		newSecretCmd(),
		&cobra.Command{
			Use:   "version",
			Short: "Print version",
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Fprintf(cmd.OutOrStdout(), "hive %s\n", version)
			},
		},
	)
	return root
}
