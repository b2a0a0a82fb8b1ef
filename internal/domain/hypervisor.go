package domain

import "context"

// Hypervisor drives machines through their lifecycle. Create defines the
// machine and prepares its disk, AttachNetwork boots it with its NICs and
// port forwards and waits until the guest is reachable, RunStep executes one
// provisioning step inside it. Adopt re-attaches to a machine started by an
// earlier process from its persisted state.
type Hypervisor interface {
	Create(ctx context.Context, spec MachineSpec) (*MachineRuntime, error)
	AttachNetwork(ctx context.Context, spec MachineSpec, net NetworkSpec) (*MachineRuntime, error)
	RunStep(ctx context.Context, machine string, index int, step ProvisionStep) error
	Status(ctx context.Context, machine string) (MachineStatus, error)
	Destroy(ctx context.Context, machine string) error
	Adopt(ctx context.Context, state *MachineState) error
}
