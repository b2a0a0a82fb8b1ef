package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/hostforge/vmlab/internal/config"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the vmlab version",
	Args:  cobra.NoArgs,
	Run: func(_ *cobra.Command, _ []string) {
		fmt.Printf("vmlab %s (built %s)\n", config.Version, config.BuildTime)
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}
