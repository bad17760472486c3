package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:           "cachering",
		Short:         "Replicated in-memory cache",
		Long:          "Run cache nodes, a cluster router, or one-shot cache operations",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	flags.register(rootCmd)

	rootCmd.AddCommand(
		serveCmd(&flags),
		clusterCmd(&flags),
		putCmd(&flags),
		getCmd(&flags),
		delCmd(&flags),
		existsCmd(&flags),
		statsCmd(&flags),
		addNodeCmd(&flags),
		removeNodeCmd(&flags),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
