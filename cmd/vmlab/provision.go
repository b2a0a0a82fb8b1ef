package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/hostforge/vmlab/internal/renderer"
)

var provisionCmd = &cobra.Command{
	Use:   "provision [machine]",
	Short: "Re-run provisioning steps on running machines",
	Long: `Runs the declared provisioning steps again, from the first step, on
every machine in the topology or just the named one. Machines must be
running; bring them up first.`,
	Args: cobra.MaximumNArgs(1),
	Run:  withLab(runProvision),
}

func init() {
	rootCmd.AddCommand(provisionCmd)
}

func runProvision(ctx context.Context, l *lab, target string) (*renderer.Report, error) {
	return l.rend.Provision(ctx, l.topo, target)
}
