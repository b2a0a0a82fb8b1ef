// Package system probes host hardware and samples utilization. The daemon
// logs the probe at startup and exports the samples as metrics.
package system

import (
	"fmt"
	"os"
	"runtime"
	"strings"
)

// HostInfo describes the hardware vmlab is running on.
type HostInfo struct {
	CPUName  string
	CPUCores int
	RAMGB    float64
	KVM      bool
}

// Probe detects the host's CPU, memory and KVM availability.
func Probe() HostInfo {
	return HostInfo{
		CPUName:  cpuName(),
		CPUCores: runtime.NumCPU(),
		RAMGB:    totalRAMGB(),
		KVM:      KVMAvailable(),
	}
}

// KVMAvailable reports whether /dev/kvm exists and is usable. QEMU needs
// read-write access to it for hardware acceleration.
func KVMAvailable() bool {
	f, err := os.OpenFile("/dev/kvm", os.O_RDWR, 0)
	if err != nil {
		return false
	}
	f.Close()
	return true
}

func totalRAMGB() float64 {
	data, err := os.ReadFile("/proc/meminfo")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "MemTotal:") {
			var kb uint64
			fmt.Sscanf(line, "MemTotal: %d kB", &kb)
			return float64(kb) / (1024 * 1024)
		}
	}
	return 0
}

func cpuName() string {
	data, err := os.ReadFile("/proc/cpuinfo")
	if err != nil {
		return "unknown"
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "model name") {
			parts := strings.SplitN(line, ":", 2)
			if len(parts) == 2 {
				return strings.TrimSpace(parts[1])
			}
		}
	}
	return "unknown"
}
