package domain

import "time"

type MachineStatus string

const (
	StatusNotCreated MachineStatus = "not_created"
	StatusPending    MachineStatus = "pending"
	StatusRunning    MachineStatus = "running"
	StatusPaused     MachineStatus = "paused"
	StatusShutdown   MachineStatus = "shutdown"
	StatusError      MachineStatus = "error"
)

const (
	DefaultMemoryMB = 512
	DefaultCPUs     = 1
)

type PortForward struct {
	Guest int    `yaml:"guest" json:"guest"`
	Host  int    `yaml:"host" json:"host"`
	Proto string `yaml:"proto,omitempty" json:"proto,omitempty"`
}

// ProvisionStep is a closed variant: exactly one of Run or Script is set.
// Run is a shell command executed in the guest, Script a host-local file
// uploaded and executed there.
type ProvisionStep struct {
	Run    string `yaml:"run,omitempty" json:"run,omitempty"`
	Script string `yaml:"script,omitempty" json:"script,omitempty"`
}

// Label names the step in logs and errors.
func (s ProvisionStep) Label() string {
	if s.Script != "" {
		return "script " + s.Script
	}
	return s.Run
}

type MachineSpec struct {
	Name           string          `yaml:"name" json:"name"`
	Box            string          `yaml:"box" json:"box"`
	MemoryMB       int             `yaml:"memory_mb,omitempty" json:"memory_mb,omitempty"`
	CPUs           int             `yaml:"cpus,omitempty" json:"cpus,omitempty"`
	PrivateIP      string          `yaml:"private_ip,omitempty" json:"private_ip,omitempty"`
	PublicNetwork  bool            `yaml:"public_network,omitempty" json:"public_network,omitempty"`
	ForwardedPorts []PortForward   `yaml:"forwarded_ports,omitempty" json:"forwarded_ports,omitempty"`
	Provision      []ProvisionStep `yaml:"provision,omitempty" json:"provision,omitempty"`
}

type NetworkSpec struct {
	PrivateSubnet string `yaml:"private_subnet,omitempty" json:"private_subnet,omitempty"`
	Bridge        string `yaml:"bridge,omitempty" json:"bridge,omitempty"`
}

// MachinePorts maps guest port (e.g. "22") to bound host port (e.g. "8080").
type MachinePorts map[string]string

// MachineRuntime is what the hypervisor reports back about a live machine.
type MachineRuntime struct {
	VMID      string
	DiskPath  string
	PID       int
	QMPSocket string
	SSHPort   int
	Ports     MachinePorts
}

type MachineState struct {
	Name        string        `json:"name"`
	VMID        string        `json:"vm_id"`
	Box         string        `json:"box"`
	DiskPath    string        `json:"disk_path"`
	PID         int           `json:"pid"`
	QMPSocket   string        `json:"qmp_socket"`
	SSHPort     int           `json:"ssh_port"`
	Ports       MachinePorts  `json:"ports"`
	PrivateIP   string        `json:"private_ip,omitempty"`
	Status      MachineStatus `json:"status"`
	Provisioned bool          `json:"provisioned"`
	CreatedAt   time.Time     `json:"created_at"`
	UpdatedAt   time.Time     `json:"updated_at"`
}
