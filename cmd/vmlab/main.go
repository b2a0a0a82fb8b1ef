package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var rootFlags = struct {
	file     string
	parallel bool
	verbose  bool
}{}

// rootCmd is the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "vmlab",
	Short: "Render declarative multi-VM topologies onto QEMU",
	Long: `vmlab reads a topology descriptor and brings the machines it declares
up on the local hypervisor, wires their networks and runs their
provisioning steps. State is tracked under the vmlab data directory so
later invocations find the same machines again.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&rootFlags.file, "file", "f", "", "topology descriptor path (default topology.yaml)")
	rootCmd.PersistentFlags().BoolVar(&rootFlags.parallel, "parallel", false, "operate on machines concurrently")
	rootCmd.PersistentFlags().BoolVarP(&rootFlags.verbose, "verbose", "v", false, "log to stderr at debug level")
}

func main() {
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
