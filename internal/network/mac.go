package network

import (
	"fmt"
	"hash/fnv"
	"net"
)

// qemuOUI is the locally administered prefix QEMU reserves for guest NICs.
const qemuOUI = "52:54:00"

// MACForIP derives a stable MAC from an IPv4 address, so a machine keeps
// its address across restarts and DHCP leases stay put.
func MACForIP(ip net.IP) string {
	v4 := ip.To4()
	if v4 == nil {
		return MACForName(ip.String())
	}
	return fmt.Sprintf("%s:%02x:%02x:%02x", qemuOUI, v4[1], v4[2], v4[3])
}

// MACForName derives a stable MAC from a machine name, for NICs without a
// fixed address.
func MACForName(name string) string {
	h := fnv.New32a()
	h.Write([]byte(name))
	sum := h.Sum32()
	return fmt.Sprintf("%s:%02x:%02x:%02x", qemuOUI, byte(sum>>16), byte(sum>>8), byte(sum))
}
