package qemu

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/3th1nk/cidr"
	"github.com/google/uuid"

	"github.com/hostforge/vmlab/internal/domain"
	"github.com/hostforge/vmlab/internal/network"
	"github.com/hostforge/vmlab/internal/provision"
	"github.com/hostforge/vmlab/internal/system"
)

type Config struct {
	Binary       string
	ImageDir     string
	RunDir       string
	Bridge       string
	PublicBridge string
	SSHUser      string
	SSHKeyPath   string
	BootTimeout  time.Duration
	NoKVM        bool
}

// BoxResolver turns a box name into a local base image path.
type BoxResolver interface {
	Resolve(ctx context.Context, box string) (string, error)
}

// Manager drives QEMU machines: one overlay disk, one process and one QMP
// socket per machine. It implements domain.Hypervisor.
type Manager struct {
	logger   *slog.Logger
	cfg      Config
	resolver BoxResolver
	images   *ImageManager
	ports    *network.PortAllocator

	mu        sync.Mutex
	instances map[string]*instance
}

// instance is the live bookkeeping for one machine. cmd and done are only
// set for machines this process started; adopted machines carry just a PID.
type instance struct {
	mu        sync.Mutex
	spec      domain.MachineSpec
	vmID      string
	diskPath  string
	qmpSocket string
	sshPort   int
	ports     domain.MachinePorts
	hostPorts []int
	cmd       *exec.Cmd
	pid       int
	qmp       *QMPClient
	ssh       *provision.Client
	done      chan struct{}
}

func NewManager(cfg Config, resolver BoxResolver, logger *slog.Logger) *Manager {
	if cfg.BootTimeout == 0 {
		cfg.BootTimeout = 3 * time.Minute
	}
	if !cfg.NoKVM && !system.KVMAvailable() {
		logger.Warn("kvm unavailable, machines will run without acceleration")
		cfg.NoKVM = true
	}
	return &Manager{
		logger:    logger,
		cfg:       cfg,
		resolver:  resolver,
		images:    NewImageManager(cfg.ImageDir),
		ports:     network.NewPortAllocator(),
		instances: make(map[string]*instance),
	}
}

// Create resolves the machine's box and prepares its overlay disk. The
// machine is tracked from this point but not yet started.
func (m *Manager) Create(ctx context.Context, spec domain.MachineSpec) (*domain.MachineRuntime, error) {
	m.mu.Lock()
	if _, ok := m.instances[spec.Name]; ok {
		m.mu.Unlock()
		return nil, domain.ErrMachineExists{Name: spec.Name}
	}
	inst := &instance{spec: spec}
	m.instances[spec.Name] = inst
	m.mu.Unlock()

	base, err := m.resolver.Resolve(ctx, spec.Box)
	if err != nil {
		m.forget(spec.Name)
		return nil, err
	}

	vmID := "vm-" + uuid.New().String()[:8]
	diskPath, err := m.images.CreateOverlay(spec.Name+"-"+vmID, base)
	if err != nil {
		m.forget(spec.Name)
		return nil, domain.ErrQEMU{Op: "disk", Err: err}
	}

	inst.mu.Lock()
	inst.vmID = vmID
	inst.diskPath = diskPath
	inst.mu.Unlock()

	m.logger.Info("machine created", "machine", spec.Name, "vm_id", vmID, "box", spec.Box)

	return &domain.MachineRuntime{VMID: vmID, DiskPath: diskPath}, nil
}

// AttachNetwork binds the machine's host ports, boots QEMU with its NICs and
// blocks until the guest answers on SSH. Machines with a private_ip also get
// the address configured inside the guest before this returns.
func (m *Manager) AttachNetwork(ctx context.Context, spec domain.MachineSpec, netSpec domain.NetworkSpec) (*domain.MachineRuntime, error) {
	inst := m.lookup(spec.Name)
	if inst == nil {
		return nil, domain.ErrQEMU{Op: "attach", Err: fmt.Errorf("machine %s not created", spec.Name)}
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.cmd != nil || inst.pid != 0 {
		return nil, domain.ErrQEMU{Op: "attach", Err: fmt.Errorf("machine %s already started", spec.Name)}
	}

	sshPort, err := m.ports.AllocateOne()
	if err != nil {
		return nil, domain.ErrNetworkBind{Machine: spec.Name, Iface: "ssh", Err: err}
	}
	hostPorts := []int{sshPort}

	for _, pf := range spec.ForwardedPorts {
		if err := m.ports.Claim(pf.Host); err != nil {
			m.ports.Release(hostPorts...)
			return nil, domain.ErrNetworkBind{Machine: spec.Name, Iface: fmt.Sprintf("hostfwd:%d", pf.Host), Err: err}
		}
		hostPorts = append(hostPorts, pf.Host)
	}

	netCfg := NewNetworkConfig()
	forwards := append([]domain.PortForward{{Guest: 22, Host: sshPort, Proto: "tcp"}}, spec.ForwardedPorts...)
	netCfg.AddUserNIC("net0", network.MACForName(spec.Name+"-nat"), forwards...)

	nicIndex := 1
	if spec.PrivateIP != "" {
		ip := net.ParseIP(spec.PrivateIP)
		if ip == nil {
			m.ports.Release(hostPorts...)
			return nil, domain.ErrNetworkBind{Machine: spec.Name, Iface: "private", Err: fmt.Errorf("invalid private ip %q", spec.PrivateIP)}
		}
		bridge := netSpec.Bridge
		if bridge == "" {
			bridge = m.cfg.Bridge
		}
		if err := network.EnsureBridge(bridge); err != nil {
			m.ports.Release(hostPorts...)
			return nil, domain.ErrNetworkBind{Machine: spec.Name, Iface: bridge, Err: err}
		}
		netCfg.AddBridgeNIC(fmt.Sprintf("net%d", nicIndex), bridge, network.MACForIP(ip))
		nicIndex++
	}
	if spec.PublicNetwork {
		if err := network.EnsureBridge(m.cfg.PublicBridge); err != nil {
			m.ports.Release(hostPorts...)
			return nil, domain.ErrNetworkBind{Machine: spec.Name, Iface: m.cfg.PublicBridge, Err: err}
		}
		netCfg.AddBridgeNIC(fmt.Sprintf("net%d", nicIndex), m.cfg.PublicBridge, network.MACForName(spec.Name))
	}

	if err := os.MkdirAll(m.cfg.RunDir, 0o755); err != nil {
		m.ports.Release(hostPorts...)
		return nil, domain.ErrQEMU{Op: "rundir", Err: err}
	}

	qmpSocket := filepath.Join(m.cfg.RunDir, inst.vmID+".qmp")
	args := m.buildArgs(spec, inst.diskPath, qmpSocket, netCfg)

	logFile, _ := os.Create(filepath.Join(m.cfg.RunDir, inst.vmID+".log"))

	m.logger.Info("starting machine",
		"machine", spec.Name, "vm_id", inst.vmID,
		"cpus", spec.CPUs, "memory_mb", spec.MemoryMB, "ssh_port", sshPort)

	cmd := exec.Command(m.cfg.Binary, args...)
	if logFile != nil {
		cmd.Stdout = logFile
		cmd.Stderr = logFile
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		m.ports.Release(hostPorts...)
		return nil, domain.ErrQEMU{Op: "start", Err: err}
	}

	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		if logFile != nil {
			logFile.Close()
		}
		close(done)
	}()

	inst.cmd = cmd
	inst.pid = cmd.Process.Pid
	inst.done = done
	inst.qmpSocket = qmpSocket
	inst.sshPort = sshPort
	inst.hostPorts = hostPorts
	inst.ports = portMap(sshPort, spec.ForwardedPorts)

	qmp := NewQMPClient(qmpSocket)
	if err := waitForQMP(qmp, qmpSocket, done, 30*time.Second); err != nil {
		m.logger.Warn("qmp connect failed", "machine", spec.Name, "err", err)
	} else {
		inst.qmp = qmp
	}

	sshc := provision.NewClient("127.0.0.1", sshPort, m.cfg.SSHUser, m.cfg.SSHKeyPath, m.logger)

	inst.mu.Unlock()
	bootErr := sshc.WaitForBoot(ctx, m.cfg.BootTimeout)
	inst.mu.Lock()

	if bootErr != nil {
		_ = sshc.Close()
		m.killBootLocked(inst)
		return nil, domain.ErrQEMU{Op: "boot", Err: bootErr}
	}
	inst.ssh = sshc

	if spec.PrivateIP != "" {
		if err := m.configureGuestIP(ctx, inst, spec, netSpec); err != nil {
			_ = sshc.Close()
			m.killBootLocked(inst)
			return nil, domain.ErrNetworkBind{Machine: spec.Name, Iface: "private", Err: err}
		}
	}

	m.logger.Info("machine up", "machine", spec.Name, "vm_id", inst.vmID, "pid", inst.pid)

	return &domain.MachineRuntime{
		VMID:      inst.vmID,
		DiskPath:  inst.diskPath,
		PID:       inst.pid,
		QMPSocket: qmpSocket,
		SSHPort:   sshPort,
		Ports:     inst.ports,
	}, nil
}

// RunStep executes one provisioning step inside the machine over SSH.
func (m *Manager) RunStep(ctx context.Context, machine string, index int, step domain.ProvisionStep) error {
	inst := m.lookup(machine)
	if inst == nil {
		return domain.ErrProvision{Machine: machine, StepIndex: index, Step: step.Label(), Err: fmt.Errorf("machine not created")}
	}

	inst.mu.Lock()
	sshc := inst.ssh
	inst.mu.Unlock()

	if sshc == nil {
		return domain.ErrProvision{Machine: machine, StepIndex: index, Step: step.Label(), Err: fmt.Errorf("machine not attached")}
	}
	return sshc.RunStep(ctx, machine, index, step)
}

func (m *Manager) Status(ctx context.Context, machine string) (domain.MachineStatus, error) {
	inst := m.lookup(machine)
	if inst == nil {
		return domain.StatusNotCreated, nil
	}

	inst.mu.Lock()
	defer inst.mu.Unlock()

	if inst.cmd == nil && inst.pid == 0 {
		return domain.StatusPending, nil
	}

	if inst.done != nil {
		select {
		case <-inst.done:
			return domain.StatusError, nil
		default:
		}
	} else if !ProcessExists(inst.pid) {
		// Adopted machine whose process has gone away.
		return domain.StatusError, nil
	}

	if inst.qmp != nil && inst.qmp.Connected() {
		status, _, err := inst.qmp.QueryStatus()
		if err == nil {
			return mapQMPStatus(status), nil
		}
		m.logger.Warn("qmp status query failed", "machine", machine, "err", err)
	}

	return domain.StatusRunning, nil
}

// Destroy shuts the machine down, removes its overlay disk and releases its
// host ports. Destroying an untracked machine is a no-op.
func (m *Manager) Destroy(ctx context.Context, machine string) error {
	m.mu.Lock()
	inst, ok := m.instances[machine]
	delete(m.instances, machine)
	m.mu.Unlock()

	if !ok {
		return nil
	}
	return m.stop(inst)
}

// Adopt re-attaches to a machine started by an earlier process, from its
// persisted state. The QMP connection is re-established eagerly, SSH lazily.
func (m *Manager) Adopt(ctx context.Context, st *domain.MachineState) error {
	m.mu.Lock()
	if _, ok := m.instances[st.Name]; ok {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	pid := st.PID
	if !ProcessExists(pid) {
		found, err := FindQEMUProcessBySocket(st.QMPSocket)
		if err != nil || found == 0 {
			return fmt.Errorf("adopt %s: process %d gone", st.Name, st.PID)
		}
		pid = found
	}

	qmp := NewQMPClient(st.QMPSocket)
	if err := qmp.Connect(); err != nil {
		return fmt.Errorf("adopt %s: qmp: %w", st.Name, err)
	}

	hostPorts := make([]int, 0, len(st.Ports))
	for _, hp := range st.Ports {
		p, err := strconv.Atoi(hp)
		if err != nil {
			continue
		}
		hostPorts = append(hostPorts, p)
	}
	m.ports.Reserve(hostPorts...)

	inst := &instance{
		spec:      domain.MachineSpec{Name: st.Name, Box: st.Box, PrivateIP: st.PrivateIP},
		vmID:      st.VMID,
		diskPath:  st.DiskPath,
		qmpSocket: st.QMPSocket,
		sshPort:   st.SSHPort,
		ports:     st.Ports,
		hostPorts: hostPorts,
		pid:       pid,
		qmp:       qmp,
		ssh:       provision.NewClient("127.0.0.1", st.SSHPort, m.cfg.SSHUser, m.cfg.SSHKeyPath, m.logger),
	}

	m.mu.Lock()
	m.instances[st.Name] = inst
	m.mu.Unlock()

	m.logger.Info("adopted running machine", "machine", st.Name, "vm_id", st.VMID, "pid", pid)
	return nil
}

// ReapOrphans kills QEMU processes left in the run directory whose vm_id is
// not in known. Call after adopting all persisted machines.
func (m *Manager) ReapOrphans(known map[string]bool) {
	orphans, err := FindOrphanVMs(m.cfg.RunDir)
	if err != nil {
		m.logger.Warn("orphan scan failed", "err", err)
		return
	}
	for _, o := range orphans {
		if known[o.VMID] {
			continue
		}
		m.logger.Info("killing orphan machine", "vm_id", o.VMID, "pid", o.PID)
		_ = KillProcess(o.PID)
		_ = os.Remove(o.QMPSocket)
	}
}

func (m *Manager) lookup(name string) *instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.instances[name]
}

func (m *Manager) forget(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.instances, name)
}

func (m *Manager) stop(inst *instance) error {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	name := inst.spec.Name

	if inst.ssh != nil {
		_ = inst.ssh.Close()
		inst.ssh = nil
	}

	if inst.qmp != nil && inst.qmp.Connected() {
		if err := inst.qmp.Shutdown(); err != nil {
			m.logger.Warn("graceful shutdown failed, will force-kill", "machine", name, "err", err)
		}
	}

	if inst.pid != 0 {
		if err := m.waitExit(inst, 30*time.Second); err != nil {
			m.logger.Warn("machine did not exit in time, killing", "machine", name)
			m.forceKill(inst)
		}
	}

	if inst.qmp != nil {
		_ = inst.qmp.Close()
		inst.qmp = nil
	}

	if inst.diskPath != "" {
		_ = m.images.RemoveDisk(inst.diskPath)
	}
	if inst.qmpSocket != "" {
		_ = os.Remove(inst.qmpSocket)
	}
	m.ports.Release(inst.hostPorts...)

	m.logger.Info("machine destroyed", "machine", name, "vm_id", inst.vmID)
	return nil
}

// waitExit waits for the QEMU process to terminate, polling when the machine
// was adopted and no Wait channel exists.
func (m *Manager) waitExit(inst *instance, timeout time.Duration) error {
	if inst.done != nil {
		select {
		case <-inst.done:
			return nil
		case <-time.After(timeout):
			return fmt.Errorf("timeout after %s", timeout)
		}
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !ProcessExists(inst.pid) {
			return nil
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("timeout after %s", timeout)
}

func (m *Manager) forceKill(inst *instance) {
	if inst.cmd != nil && inst.cmd.Process != nil {
		_ = inst.cmd.Process.Kill()
		if inst.done != nil {
			<-inst.done
		}
		return
	}
	_ = KillProcess(inst.pid)
}

// killBootLocked tears down a machine that failed between start and ready.
// The instance stays tracked so the caller can roll back with Destroy, which
// removes the disk.
func (m *Manager) killBootLocked(inst *instance) {
	if inst.cmd != nil && inst.cmd.Process != nil {
		_ = inst.cmd.Process.Kill()
	}
	if inst.done != nil {
		<-inst.done
	}
	if inst.qmp != nil {
		_ = inst.qmp.Close()
		inst.qmp = nil
	}
	if inst.qmpSocket != "" {
		_ = os.Remove(inst.qmpSocket)
		inst.qmpSocket = ""
	}
	m.ports.Release(inst.hostPorts...)

	inst.cmd = nil
	inst.pid = 0
	inst.done = nil
	inst.ssh = nil
	inst.sshPort = 0
	inst.hostPorts = nil
	inst.ports = nil
}

// configureGuestIP assigns the machine's private address inside the guest.
// The NIC is located by the MAC derived from the address, so the guest's
// interface naming scheme does not matter.
func (m *Manager) configureGuestIP(ctx context.Context, inst *instance, spec domain.MachineSpec, netSpec domain.NetworkSpec) error {
	ip := net.ParseIP(spec.PrivateIP)
	if ip == nil {
		return fmt.Errorf("invalid private ip %q", spec.PrivateIP)
	}

	prefix := 24
	if netSpec.PrivateSubnet != "" {
		if c, err := cidr.Parse(netSpec.PrivateSubnet); err == nil {
			prefix, _ = c.MaskSize()
		}
	}

	mac := strings.ToLower(network.MACForIP(ip))
	script := fmt.Sprintf(`set -e
dev=$(ip -o link | awk -F': ' 'tolower($0) ~ /%s/ {print $2; exit}')
test -n "$dev"
ip addr replace %s/%d dev "$dev"
ip link set "$dev" up`, mac, spec.PrivateIP, prefix)

	out, err := inst.ssh.Run(ctx, script)
	if err != nil {
		return fmt.Errorf("configure %s/%d: %w: %s", spec.PrivateIP, prefix, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (m *Manager) buildArgs(spec domain.MachineSpec, diskPath, qmpSocket string, netCfg *NetworkConfig) []string {
	machine, cpu := "q35,accel=kvm", "host"
	if m.cfg.NoKVM {
		machine, cpu = "q35", "max"
	}

	args := []string{
		"-name", spec.Name,
		"-machine", machine,
		"-cpu", cpu,
		"-smp", strconv.Itoa(spec.CPUs),
		"-m", fmt.Sprintf("%dM", spec.MemoryMB),
		"-drive", fmt.Sprintf("file=%s,format=qcow2,if=virtio", diskPath),
		"-qmp", fmt.Sprintf("unix:%s,server,nowait", qmpSocket),
		"-nographic",
	}
	return append(args, netCfg.Args()...)
}

func waitForQMP(qmp *QMPClient, socket string, done chan struct{}, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		select {
		case <-done:
			return fmt.Errorf("qemu exited before qmp ready")
		default:
		}
		if _, err := os.Stat(socket); err == nil {
			if err := qmp.Connect(); err == nil {
				return nil
			}
		}
		time.Sleep(500 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for qmp socket %s", socket)
}

func mapQMPStatus(s string) domain.MachineStatus {
	switch s {
	case "running":
		return domain.StatusRunning
	case "paused":
		return domain.StatusPaused
	case "prelaunch", "inmigrate":
		return domain.StatusPending
	case "shutdown", "postmigrate":
		return domain.StatusShutdown
	default:
		return domain.StatusError
	}
}

func portMap(sshPort int, forwards []domain.PortForward) domain.MachinePorts {
	ports := make(domain.MachinePorts, len(forwards)+1)
	ports["22"] = strconv.Itoa(sshPort)
	for _, f := range forwards {
		ports[strconv.Itoa(f.Guest)] = strconv.Itoa(f.Host)
	}
	return ports
}
