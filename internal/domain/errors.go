package domain

import "fmt"

type ErrConfig struct {
	Reason string
}

func (e ErrConfig) Error() string {
	return fmt.Sprintf("invalid topology: %s", e.Reason)
}

type ErrImageNotFound struct {
	Box string
	Err error
}

func (e ErrImageNotFound) Error() string {
	return fmt.Sprintf("box %q not found: %v", e.Box, e.Err)
}

func (e ErrImageNotFound) Unwrap() error {
	return e.Err
}

type ErrNetworkBind struct {
	Machine string
	Iface   string
	Err     error
}

func (e ErrNetworkBind) Error() string {
	return fmt.Sprintf("network bind %s [%s]: %v", e.Machine, e.Iface, e.Err)
}

func (e ErrNetworkBind) Unwrap() error {
	return e.Err
}

// ErrProvision reports a failed provisioning step. StepIndex is zero-based
// over the machine's full provision list.
type ErrProvision struct {
	Machine   string
	StepIndex int
	Step      string
	Output    string
	Err       error
}

func (e ErrProvision) Error() string {
	return fmt.Sprintf("provision %s step %d (%s): %v", e.Machine, e.StepIndex, e.Step, e.Err)
}

func (e ErrProvision) Unwrap() error {
	return e.Err
}

type ErrMachineNotFound struct {
	Name string
}

func (e ErrMachineNotFound) Error() string {
	return fmt.Sprintf("machine %q not found in topology", e.Name)
}

type ErrMachineExists struct {
	Name string
}

func (e ErrMachineExists) Error() string {
	return fmt.Sprintf("machine %q already exists", e.Name)
}

type ErrQEMU struct {
	Op  string
	Err error
}

func (e ErrQEMU) Error() string {
	return fmt.Sprintf("qemu %s: %v", e.Op, e.Err)
}

func (e ErrQEMU) Unwrap() error {
	return e.Err
}
