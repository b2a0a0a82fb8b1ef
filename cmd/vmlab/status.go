package main

import (
	"context"

	"github.com/spf13/cobra"

	"github.com/hostforge/vmlab/internal/renderer"
)

var statusCmd = &cobra.Command{
	Use:   "status [machine]",
	Short: "Report the state of machines in the topology",
	Args:  cobra.MaximumNArgs(1),
	Run:   withLab(runStatus),
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(ctx context.Context, l *lab, target string) (*renderer.Report, error) {
	return l.rend.Status(ctx, l.topo, target)
}
