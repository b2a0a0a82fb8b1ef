package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/hostforge/vmlab/internal/renderer"
)

var destroyCmd = &cobra.Command{
	Use:   "destroy [machine]",
	Short: "Stop machines and remove their disks and state",
	Long: `Tears down every machine in the topology (or just the named one):
powers the VM off, deletes its disk overlay and forwarded port
reservations, and clears its tracked state. Machines that were never
created are skipped.`,
	Args: cobra.MaximumNArgs(1),
	Run:  withLab(runDestroy),
}

func init() {
	rootCmd.AddCommand(destroyCmd)
}

func runDestroy(ctx context.Context, l *lab, target string) (*renderer.Report, error) {
	return l.rend.Destroy(ctx, l.topo, target)
}
