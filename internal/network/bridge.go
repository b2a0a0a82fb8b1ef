package network

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
)

// EnsureBridge verifies that a host bridge exists and is up before a guest
// NIC is attached to it.
func EnsureBridge(name string) error {
	link, err := netlink.LinkByName(name)
	if err != nil {
		return fmt.Errorf("bridge %s: %w", name, err)
	}
	if link.Type() != "bridge" {
		return fmt.Errorf("interface %s is a %s, not a bridge", name, link.Type())
	}
	if link.Attrs().Flags&net.FlagUp == 0 {
		return fmt.Errorf("bridge %s is down", name)
	}
	return nil
}
