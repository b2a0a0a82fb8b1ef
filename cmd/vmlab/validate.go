package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/hostforge/vmlab/internal/topology"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the topology descriptor and print the normalized result",
	Args:  cobra.NoArgs,
	Run: func(_ *cobra.Command, _ []string) {
		if err := runValidate(); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate() error {
	path := rootFlags.file
	if path == "" {
		path = "topology.yaml"
		if v := os.Getenv("VMLAB_TOPOLOGY"); v != "" {
			path = v
		}
	}

	topo, err := topology.Load(path)
	if err != nil {
		return err
	}

	fmt.Printf("topology %q is valid\n\n", topo.Name)
	if topo.Network.PrivateSubnet != "" {
		fmt.Printf("network: %s", topo.Network.PrivateSubnet)
		if topo.Network.Bridge != "" {
			fmt.Printf(" via %s", topo.Network.Bridge)
		}
		fmt.Println()
	}

	for _, m := range topo.Machines {
		fmt.Printf("  %s: box=%s memory=%dMB cpus=%d", m.Name, m.Box, m.MemoryMB, m.CPUs)
		if m.PrivateIP != "" {
			fmt.Printf(" private_ip=%s", m.PrivateIP)
		}
		if m.PublicNetwork {
			fmt.Printf(" public_network")
		}
		fmt.Println()

		for _, fw := range m.ForwardedPorts {
			proto := fw.Proto
			if proto == "" {
				proto = "tcp"
			}
			fmt.Printf("      forward %d -> host %d/%s\n", fw.Guest, fw.Host, proto)
		}
		for i, step := range m.Provision {
			fmt.Printf("      step %d: %s\n", i, step.Label())
		}
	}

	return nil
}
