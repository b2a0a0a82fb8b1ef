package qemu

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// ProcessInfo describes a running QEMU process discovered on the host.
type ProcessInfo struct {
	PID       int
	QMPSocket string
	VMID      string
}

// FindQEMUProcessBySocket searches /proc for a QEMU process whose command
// line references the given QMP socket. Returns 0 if none is found.
func FindQEMUProcessBySocket(qmpSocket string) (int, error) {
	procDir, err := os.Open("/proc")
	if err != nil {
		return 0, fmt.Errorf("open /proc: %w", err)
	}
	defer procDir.Close()

	entries, err := procDir.Readdirnames(-1)
	if err != nil {
		return 0, fmt.Errorf("read /proc: %w", err)
	}

	for _, entry := range entries {
		pid, err := strconv.Atoi(entry)
		if err != nil {
			continue
		}

		cmdline, err := os.ReadFile(filepath.Join("/proc", entry, "cmdline"))
		if err != nil {
			continue
		}

		cmdlineStr := string(cmdline)
		if !strings.Contains(cmdlineStr, "qemu-system") {
			continue
		}
		if strings.Contains(cmdlineStr, qmpSocket) {
			return pid, nil
		}
	}

	return 0, nil
}

// FindOrphanVMs scans the run directory for QMP sockets and matches them to
// live QEMU processes. Stale sockets without a process are removed on the way.
func FindOrphanVMs(runDir string) ([]ProcessInfo, error) {
	entries, err := os.ReadDir(runDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read run dir: %w", err)
	}

	var orphans []ProcessInfo

	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasSuffix(name, ".qmp") {
			continue
		}

		vmID := strings.TrimSuffix(name, ".qmp")
		qmpSocket := filepath.Join(runDir, name)

		pid, err := FindQEMUProcessBySocket(qmpSocket)
		if err != nil {
			continue
		}

		if pid != 0 {
			orphans = append(orphans, ProcessInfo{
				PID:       pid,
				QMPSocket: qmpSocket,
				VMID:      vmID,
			})
		} else {
			_ = os.Remove(qmpSocket)
		}
	}

	return orphans, nil
}

// ProcessExists reports whether a process with the given PID is alive.
func ProcessExists(pid int) bool {
	if pid <= 0 {
		return false
	}

	// On Unix FindProcess always succeeds; signal 0 performs the actual check.
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}

// KillProcess sends SIGKILL to a process.
func KillProcess(pid int) error {
	if pid <= 0 {
		return nil
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return process.Kill()
}
