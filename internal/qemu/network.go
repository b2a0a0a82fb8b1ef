package qemu

import (
	"fmt"
	"strings"

	"github.com/hostforge/vmlab/internal/domain"
)

// NetworkConfig builds the QEMU networking arguments for one machine. The
// first NIC is user-mode with hostfwd rules (no host privileges needed, ports
// bound on 127.0.0.1); additional NICs attach to host bridges for private and
// public networks.
type NetworkConfig struct {
	nics []nic
}

type nic struct {
	netdev string
	device string
}

func NewNetworkConfig() *NetworkConfig {
	return &NetworkConfig{}
}

// AddUserNIC appends a user-mode NIC forwarding the given host ports to
// guest ports.
//
// Example netdev value:
//
//	user,id=net0,hostfwd=tcp:127.0.0.1:45001-:22,hostfwd=tcp:127.0.0.1:8080-:80
func (n *NetworkConfig) AddUserNIC(id, mac string, forwards ...domain.PortForward) {
	parts := []string{fmt.Sprintf("user,id=%s", id)}
	for _, f := range forwards {
		parts = append(parts, fmt.Sprintf("hostfwd=%s:127.0.0.1:%d-:%d", f.Proto, f.Host, f.Guest))
	}

	n.nics = append(n.nics, nic{
		netdev: strings.Join(parts, ","),
		device: fmt.Sprintf("virtio-net-pci,netdev=%s,mac=%s", id, mac),
	})
}

// AddBridgeNIC appends a NIC attached to a host bridge.
func (n *NetworkConfig) AddBridgeNIC(id, bridge, mac string) {
	n.nics = append(n.nics, nic{
		netdev: fmt.Sprintf("bridge,id=%s,br=%s", id, bridge),
		device: fmt.Sprintf("virtio-net-pci,netdev=%s,mac=%s", id, mac),
	})
}

// Args returns the interleaved -netdev/-device command-line arguments.
func (n *NetworkConfig) Args() []string {
	args := make([]string, 0, len(n.nics)*4)
	for _, d := range n.nics {
		args = append(args, "-netdev", d.netdev, "-device", d.device)
	}
	return args
}
