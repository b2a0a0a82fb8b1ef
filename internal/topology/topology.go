// Package topology loads and validates the declarative topology descriptor
// that names the machines of a lab and how they are wired together.
package topology

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/hostforge/vmlab/internal/domain"
)

// DefaultPrivateSubnet backs private_ip addresses when the descriptor does
// not declare a subnet of its own.
const DefaultPrivateSubnet = "192.168.56.0/24"

type Topology struct {
	Name     string               `yaml:"name,omitempty"`
	Network  domain.NetworkSpec   `yaml:"network,omitempty"`
	Machines []domain.MachineSpec `yaml:"machines"`

	prefixLen int
}

// Load reads, parses and validates the descriptor at path. Relative
// provisioning script paths are resolved against the descriptor's directory,
// and an unnamed topology takes the file's base name.
func Load(path string) (*Topology, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.ErrConfig{Reason: fmt.Sprintf("read %s: %v", path, err)}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, domain.ErrConfig{Reason: fmt.Sprintf("resolve %s: %v", path, err)}
	}

	name := strings.TrimSuffix(filepath.Base(abs), filepath.Ext(abs))
	return parse(data, filepath.Dir(abs), name)
}

// Parse decodes and validates a descriptor. baseDir anchors relative script
// paths; it may be empty when the descriptor carries none.
func Parse(data []byte, baseDir string) (*Topology, error) {
	return parse(data, baseDir, "")
}

func parse(data []byte, baseDir, defaultName string) (*Topology, error) {
	var t Topology

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&t); err != nil {
		return nil, domain.ErrConfig{Reason: fmt.Sprintf("parse descriptor: %v", err)}
	}

	if t.Name == "" {
		t.Name = defaultName
	}
	if err := t.normalize(baseDir); err != nil {
		return nil, err
	}
	if err := t.validate(); err != nil {
		return nil, err
	}

	return &t, nil
}

// Machine returns the spec for name.
func (t *Topology) Machine(name string) (domain.MachineSpec, bool) {
	for _, m := range t.Machines {
		if m.Name == name {
			return m, true
		}
	}
	return domain.MachineSpec{}, false
}

// Select resolves a CLI/API target: the empty target selects every machine
// in declaration order, anything else selects exactly one machine.
func (t *Topology) Select(target string) ([]domain.MachineSpec, error) {
	if target == "" {
		return t.Machines, nil
	}

	m, ok := t.Machine(target)
	if !ok {
		return nil, domain.ErrMachineNotFound{Name: target}
	}
	return []domain.MachineSpec{m}, nil
}

// PrefixLen is the prefix length of the private subnet, for configuring
// guest addresses.
func (t *Topology) PrefixLen() int {
	return t.prefixLen
}
