package network

import (
	"fmt"
	"net"
	"sync"
)

// PortAllocator hands out free host ports and reserves the fixed ones a
// topology declares, so two machines cannot race for the same port within
// one process.
type PortAllocator struct {
	mu        sync.Mutex
	allocated map[int]struct{}
}

func NewPortAllocator() *PortAllocator {
	return &PortAllocator{
		allocated: make(map[int]struct{}),
	}
}

// AllocateOne finds and reserves a single free port, asking the OS for a
// port that is actually available.
func (a *PortAllocator) AllocateOne() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for attempt := 0; attempt < 16; attempt++ {
		port, err := findFreePort()
		if err != nil {
			return 0, err
		}
		if _, taken := a.allocated[port]; taken {
			continue
		}
		a.allocated[port] = struct{}{}
		return port, nil
	}
	return 0, fmt.Errorf("no free port found")
}

// Claim reserves a specific port, verifying it is currently bindable.
func (a *PortAllocator) Claim(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, taken := a.allocated[port]; taken {
		return fmt.Errorf("port %d already claimed", port)
	}

	listener, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return fmt.Errorf("port %d unavailable: %w", port, err)
	}
	listener.Close()

	a.allocated[port] = struct{}{}
	return nil
}

// Reserve records ports already bound outside this process (an adopted
// machine's forwards) so they are not handed out again.
func (a *PortAllocator) Reserve(ports ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range ports {
		a.allocated[p] = struct{}{}
	}
}

// Release marks ports as no longer in use.
func (a *PortAllocator) Release(ports ...int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, p := range ports {
		delete(a.allocated, p)
	}
}

// findFreePort asks the OS for an available port by binding to :0.
func findFreePort() (int, error) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return 0, fmt.Errorf("listen on :0: %w", err)
	}
	defer listener.Close()
	return listener.Addr().(*net.TCPAddr).Port, nil
}
