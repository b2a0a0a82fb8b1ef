package topology

import (
	"fmt"
	"net"
	"path/filepath"
	"regexp"

	"github.com/3th1nk/cidr"

	"github.com/hostforge/vmlab/internal/domain"
)

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_.-]*$`)

func (t *Topology) normalize(baseDir string) error {
	if t.Name == "" {
		t.Name = "default"
	}
	if t.Network.PrivateSubnet == "" {
		t.Network.PrivateSubnet = DefaultPrivateSubnet
	}

	for i := range t.Machines {
		m := &t.Machines[i]

		if m.MemoryMB == 0 {
			m.MemoryMB = domain.DefaultMemoryMB
		}
		if m.CPUs == 0 {
			m.CPUs = domain.DefaultCPUs
		}

		for j := range m.ForwardedPorts {
			if m.ForwardedPorts[j].Proto == "" {
				m.ForwardedPorts[j].Proto = "tcp"
			}
		}

		for j := range m.Provision {
			s := &m.Provision[j]
			if s.Script != "" && !filepath.IsAbs(s.Script) && baseDir != "" {
				s.Script = filepath.Join(baseDir, s.Script)
			}
		}
	}

	return nil
}

func (t *Topology) validate() error {
	if len(t.Machines) == 0 {
		return domain.ErrConfig{Reason: "no machines defined"}
	}

	subnet, err := cidr.Parse(t.Network.PrivateSubnet)
	if err != nil {
		return domain.ErrConfig{Reason: fmt.Sprintf("private_subnet %q: %v", t.Network.PrivateSubnet, err)}
	}
	ones, bits := subnet.MaskSize()
	if bits != 32 {
		return domain.ErrConfig{Reason: fmt.Sprintf("private_subnet %q: must be IPv4", t.Network.PrivateSubnet)}
	}
	t.prefixLen = ones

	names := make(map[string]bool, len(t.Machines))
	ips := make(map[string]string)
	hostPorts := make(map[int]string)

	for _, m := range t.Machines {
		if m.Name == "" {
			return domain.ErrConfig{Reason: "machine with empty name"}
		}
		if !nameRe.MatchString(m.Name) {
			return domain.ErrConfig{Reason: fmt.Sprintf("machine name %q: must match %s", m.Name, nameRe)}
		}
		if names[m.Name] {
			return domain.ErrConfig{Reason: fmt.Sprintf("duplicate machine name %q", m.Name)}
		}
		names[m.Name] = true

		if m.Box == "" {
			return domain.ErrConfig{Reason: fmt.Sprintf("machine %q: box is required", m.Name)}
		}
		if m.MemoryMB < 0 {
			return domain.ErrConfig{Reason: fmt.Sprintf("machine %q: memory_mb must be positive", m.Name)}
		}
		if m.CPUs < 0 {
			return domain.ErrConfig{Reason: fmt.Sprintf("machine %q: cpus must be positive", m.Name)}
		}

		if m.PrivateIP != "" {
			if err := t.validatePrivateIP(m, subnet); err != nil {
				return err
			}
			if prev, dup := ips[m.PrivateIP]; dup {
				return domain.ErrConfig{Reason: fmt.Sprintf("machine %q: private_ip %s already used by %q", m.Name, m.PrivateIP, prev)}
			}
			ips[m.PrivateIP] = m.Name
		}

		for _, f := range m.ForwardedPorts {
			if f.Guest < 1 || f.Guest > 65535 {
				return domain.ErrConfig{Reason: fmt.Sprintf("machine %q: guest port %d out of range", m.Name, f.Guest)}
			}
			if f.Host < 1 || f.Host > 65535 {
				return domain.ErrConfig{Reason: fmt.Sprintf("machine %q: host port %d out of range", m.Name, f.Host)}
			}
			if f.Proto != "tcp" && f.Proto != "udp" {
				return domain.ErrConfig{Reason: fmt.Sprintf("machine %q: proto %q: must be tcp or udp", m.Name, f.Proto)}
			}
			if prev, dup := hostPorts[f.Host]; dup {
				return domain.ErrConfig{Reason: fmt.Sprintf("machine %q: host port %d already forwarded by %q", m.Name, f.Host, prev)}
			}
			hostPorts[f.Host] = m.Name
		}

		for i, s := range m.Provision {
			if s.Run != "" && s.Script != "" {
				return domain.ErrConfig{Reason: fmt.Sprintf("machine %q: step %d sets both run and script", m.Name, i)}
			}
			if s.Run == "" && s.Script == "" {
				return domain.ErrConfig{Reason: fmt.Sprintf("machine %q: step %d sets neither run nor script", m.Name, i)}
			}
		}
	}

	return nil
}

func (t *Topology) validatePrivateIP(m domain.MachineSpec, subnet *cidr.CIDR) error {
	ip := net.ParseIP(m.PrivateIP)
	if ip == nil || ip.To4() == nil {
		return domain.ErrConfig{Reason: fmt.Sprintf("machine %q: private_ip %q is not a valid IPv4 address", m.Name, m.PrivateIP)}
	}
	if !subnet.Contains(m.PrivateIP) {
		return domain.ErrConfig{Reason: fmt.Sprintf("machine %q: private_ip %s outside subnet %s", m.Name, m.PrivateIP, t.Network.PrivateSubnet)}
	}
	if m.PrivateIP == subnet.Network() || m.PrivateIP == subnet.Broadcast() {
		return domain.ErrConfig{Reason: fmt.Sprintf("machine %q: private_ip %s is reserved in %s", m.Name, m.PrivateIP, t.Network.PrivateSubnet)}
	}
	return nil
}
