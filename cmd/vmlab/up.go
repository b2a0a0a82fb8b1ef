package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/hostforge/vmlab/internal/renderer"
)

var upCmd = &cobra.Command{
	Use:   "up [machine]",
	Short: "Create, boot and provision machines from the topology",
	Long: `Brings every machine in the topology (or just the named one) to the
running, provisioned state. Machines that are already running are left
alone; machines with stale state are rebuilt. A failure on one machine
does not stop the others.`,
	Args: cobra.MaximumNArgs(1),
	Run:  withLab(runUp),
}

func init() {
	rootCmd.AddCommand(upCmd)
}

func runUp(ctx context.Context, l *lab, target string) (*renderer.Report, error) {
	return l.rend.Up(ctx, l.topo, target)
}
