package renderer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/hostforge/vmlab/internal/domain"
	"github.com/hostforge/vmlab/internal/state"
	"github.com/hostforge/vmlab/internal/topology"
)

const testDescriptor = `
name: lab
machines:
  - name: web01
    box: ubuntu-24.04
    memory_mb: 1024
    forwarded_ports:
      - guest: 80
        host: 8080
    provision:
      - run: apt-get update
      - run: apt-get install -y nginx
  - name: web02
    box: ubuntu-24.04
    provision:
      - run: echo hello
  - name: db01
    box: debian-12
`

// fakeHV records every hypervisor invocation so tests can assert ordering
// and counts. Failures are injected per machine.
type fakeHV struct {
	mu       sync.Mutex
	calls    []string
	created  map[string]bool
	attached map[string]bool

	failCreate map[string]error
	failAttach map[string]error
	failStep   map[string]int
	failAdopt  map[string]error

	attachPorts map[string]domain.MachinePorts
}

func newFakeHV() *fakeHV {
	return &fakeHV{
		created:     make(map[string]bool),
		attached:    make(map[string]bool),
		failCreate:  make(map[string]error),
		failAttach:  make(map[string]error),
		failStep:    make(map[string]int),
		failAdopt:   make(map[string]error),
		attachPorts: make(map[string]domain.MachinePorts),
	}
}

func (f *fakeHV) record(format string, args ...any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeHV) callLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeHV) count(prefix string) int {
	n := 0
	for _, c := range f.callLog() {
		if strings.HasPrefix(c, prefix) {
			n++
		}
	}
	return n
}

func (f *fakeHV) Create(ctx context.Context, spec domain.MachineSpec) (*domain.MachineRuntime, error) {
	f.record("create:%s", spec.Name)
	if err := f.failCreate[spec.Name]; err != nil {
		return nil, err
	}
	f.mu.Lock()
	f.created[spec.Name] = true
	f.mu.Unlock()
	return &domain.MachineRuntime{VMID: "vm-" + spec.Name, DiskPath: "/nonexistent/" + spec.Name + ".qcow2"}, nil
}

func (f *fakeHV) AttachNetwork(ctx context.Context, spec domain.MachineSpec, net domain.NetworkSpec) (*domain.MachineRuntime, error) {
	f.record("attach:%s", spec.Name)
	if err := f.failAttach[spec.Name]; err != nil {
		return nil, err
	}

	ports := domain.MachinePorts{"22": "2222"}
	for _, pf := range spec.ForwardedPorts {
		ports[strconv.Itoa(pf.Guest)] = strconv.Itoa(pf.Host)
	}

	f.mu.Lock()
	f.attached[spec.Name] = true
	f.attachPorts[spec.Name] = ports
	f.mu.Unlock()

	return &domain.MachineRuntime{
		VMID:     "vm-" + spec.Name,
		DiskPath: "/nonexistent/" + spec.Name + ".qcow2",
		PID:      4242,
		SSHPort:  2222,
		Ports:    ports,
	}, nil
}

func (f *fakeHV) RunStep(ctx context.Context, machine string, index int, step domain.ProvisionStep) error {
	f.record("step:%s:%d", machine, index)

	f.mu.Lock()
	attached := f.attached[machine]
	f.mu.Unlock()
	if !attached {
		return fmt.Errorf("machine %s provisioned before network attach", machine)
	}

	if idx, ok := f.failStep[machine]; ok && idx == index {
		return domain.ErrProvision{Machine: machine, StepIndex: index, Step: step.Label(), Err: errors.New("exit status 1")}
	}
	return nil
}

func (f *fakeHV) Status(ctx context.Context, machine string) (domain.MachineStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch {
	case f.attached[machine]:
		return domain.StatusRunning, nil
	case f.created[machine]:
		return domain.StatusPending, nil
	default:
		return domain.StatusNotCreated, nil
	}
}

func (f *fakeHV) Destroy(ctx context.Context, machine string) error {
	f.record("destroy:%s", machine)
	f.mu.Lock()
	delete(f.created, machine)
	delete(f.attached, machine)
	f.mu.Unlock()
	return nil
}

func (f *fakeHV) Adopt(ctx context.Context, st *domain.MachineState) error {
	f.record("adopt:%s", st.Name)
	if err := f.failAdopt[st.Name]; err != nil {
		return err
	}
	f.mu.Lock()
	f.created[st.Name] = true
	f.attached[st.Name] = true
	f.mu.Unlock()
	return nil
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestRenderer(t *testing.T, hv domain.Hypervisor, opts Options) (*Renderer, *state.Store) {
	t.Helper()
	store, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return New(hv, store, nil, discard(), opts), store
}

func loadTestTopology(t *testing.T) *topology.Topology {
	t.Helper()
	topo, err := topology.Parse([]byte(testDescriptor), t.TempDir())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return topo
}

func TestUpOrder(t *testing.T) {
	hv := newFakeHV()
	r, _ := newTestRenderer(t, hv, Options{})
	topo := loadTestTopology(t)

	report, err := r.Up(context.Background(), topo, "")
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if got := report.Err(); got != nil {
		t.Fatalf("report has failures: %v", got)
	}

	want := []string{
		"create:web01", "attach:web01", "step:web01:0", "step:web01:1",
		"create:web02", "attach:web02", "step:web02:0",
		"create:db01", "attach:db01",
	}
	got := hv.callLog()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("call %d = %q, want %q (full log %v)", i, got[i], want[i], got)
		}
	}

	for i, name := range []string{"web01", "web02", "db01"} {
		res := report.Results[i]
		if res.Machine != name {
			t.Errorf("result %d machine = %q, want %q", i, res.Machine, name)
		}
		if res.Status != domain.StatusRunning || !res.Provisioned {
			t.Errorf("%s: status %q provisioned %v, want running/true", name, res.Status, res.Provisioned)
		}
	}
}

func TestUpForwardsPortsUnchanged(t *testing.T) {
	hv := newFakeHV()
	r, store := newTestRenderer(t, hv, Options{})
	topo := loadTestTopology(t)

	if _, err := r.Up(context.Background(), topo, "web01"); err != nil {
		t.Fatalf("Up: %v", err)
	}

	if got := hv.attachPorts["web01"]["80"]; got != "8080" {
		t.Errorf("hypervisor saw 80 -> %q, want 8080", got)
	}

	st, err := store.Load("web01")
	if err != nil || st == nil {
		t.Fatalf("Load: st=%v err=%v", st, err)
	}
	if got := st.Ports["80"]; got != "8080" {
		t.Errorf("persisted 80 -> %q, want 8080", got)
	}
}

func TestUpContinuesPastFailedMachine(t *testing.T) {
	hv := newFakeHV()
	hv.failCreate["web02"] = domain.ErrImageNotFound{Box: "ubuntu-24.04", Err: errors.New("no such box")}
	r, _ := newTestRenderer(t, hv, Options{})
	topo := loadTestTopology(t)

	report, err := r.Up(context.Background(), topo, "")
	if err != nil {
		t.Fatalf("Up: %v", err)
	}

	if report.Failed() != 1 {
		t.Fatalf("Failed() = %d, want 1", report.Failed())
	}
	var imgErr domain.ErrImageNotFound
	if !errors.As(report.Results[1].Err, &imgErr) {
		t.Errorf("web02 error = %v, want ErrImageNotFound", report.Results[1].Err)
	}
	if report.Results[0].Err != nil || report.Results[2].Err != nil {
		t.Errorf("healthy machines affected: %v / %v", report.Results[0].Err, report.Results[2].Err)
	}

	// db01 must still have been brought up after web02 failed.
	if hv.count("create:db01") != 1 || hv.count("attach:db01") != 1 {
		t.Errorf("db01 not processed after web02 failure: %v", hv.callLog())
	}
	if report.Err() == nil {
		t.Error("Err() = nil despite a failed machine")
	}
}

func TestUpProvisionFailureLeavesOthersRendered(t *testing.T) {
	hv := newFakeHV()
	hv.failStep["web02"] = 0
	r, _ := newTestRenderer(t, hv, Options{})
	topo := loadTestTopology(t)

	report, err := r.Up(context.Background(), topo, "")
	if err != nil {
		t.Fatalf("Up: %v", err)
	}

	if report.Failed() != 1 {
		t.Fatalf("Failed() = %d, want 1", report.Failed())
	}
	var provErr domain.ErrProvision
	if !errors.As(report.Results[1].Err, &provErr) {
		t.Fatalf("web02 error = %v, want ErrProvision", report.Results[1].Err)
	}
	if provErr.Machine != "web02" || provErr.StepIndex != 0 {
		t.Errorf("ErrProvision = %+v, want machine web02 step 0", provErr)
	}

	// The neighbours are fully rendered despite web02's failed step.
	for _, i := range []int{0, 2} {
		res := report.Results[i]
		if res.Err != nil || res.Status != domain.StatusRunning || !res.Provisioned {
			t.Errorf("%s: err=%v status=%q provisioned=%v", res.Machine, res.Err, res.Status, res.Provisioned)
		}
	}
	if hv.count("create:db01") != 1 {
		t.Errorf("db01 not rendered after web02 failed: %v", hv.callLog())
	}
}

func TestUpFailsFastWithinMachine(t *testing.T) {
	hv := newFakeHV()
	hv.failStep["web01"] = 0
	r, store := newTestRenderer(t, hv, Options{})
	topo := loadTestTopology(t)

	report, err := r.Up(context.Background(), topo, "web01")
	if err != nil {
		t.Fatalf("Up: %v", err)
	}

	var provErr domain.ErrProvision
	if !errors.As(report.Results[0].Err, &provErr) {
		t.Fatalf("error = %v, want ErrProvision", report.Results[0].Err)
	}
	if provErr.Machine != "web01" || provErr.StepIndex != 0 {
		t.Errorf("ErrProvision = %+v, want machine web01 step 0", provErr)
	}

	// The second step must never run.
	if hv.count("step:web01:1") != 0 {
		t.Errorf("later step ran after failure: %v", hv.callLog())
	}

	// Machine stays up but unprovisioned.
	if report.Results[0].Status != domain.StatusRunning {
		t.Errorf("status = %q, want running", report.Results[0].Status)
	}
	st, _ := store.Load("web01")
	if st == nil || st.Provisioned {
		t.Errorf("persisted state = %+v, want unprovisioned", st)
	}
}

func TestUpRollsBackFailedAttach(t *testing.T) {
	hv := newFakeHV()
	hv.failAttach["web02"] = domain.ErrNetworkBind{Machine: "web02", Iface: "hostfwd:8080", Err: errors.New("address in use")}
	r, store := newTestRenderer(t, hv, Options{})
	topo := loadTestTopology(t)

	report, err := r.Up(context.Background(), topo, "web02")
	if err != nil {
		t.Fatalf("Up: %v", err)
	}

	var bindErr domain.ErrNetworkBind
	if !errors.As(report.Results[0].Err, &bindErr) {
		t.Fatalf("error = %v, want ErrNetworkBind", report.Results[0].Err)
	}
	if hv.count("destroy:web02") != 1 {
		t.Errorf("failed machine was not rolled back: %v", hv.callLog())
	}
	if st, _ := store.Load("web02"); st != nil {
		t.Errorf("state persisted for rolled-back machine: %+v", st)
	}
	if hv.count("step:web02") != 0 {
		t.Errorf("provisioning ran without network attach: %v", hv.callLog())
	}
}

func TestUpReusesRunningMachines(t *testing.T) {
	hv := newFakeHV()
	r, _ := newTestRenderer(t, hv, Options{})
	topo := loadTestTopology(t)

	if _, err := r.Up(context.Background(), topo, ""); err != nil {
		t.Fatalf("first Up: %v", err)
	}
	creates := hv.count("create:")
	steps := hv.count("step:")

	report, err := r.Up(context.Background(), topo, "")
	if err != nil {
		t.Fatalf("second Up: %v", err)
	}
	if got := report.Err(); got != nil {
		t.Fatalf("second Up failed: %v", got)
	}

	if hv.count("create:") != creates {
		t.Errorf("second Up re-created machines: %v", hv.callLog())
	}
	if hv.count("step:") != steps {
		t.Errorf("second Up re-provisioned machines: %v", hv.callLog())
	}
	for _, res := range report.Results {
		if res.Status != domain.StatusRunning || !res.Provisioned {
			t.Errorf("%s: status %q provisioned %v after reuse", res.Machine, res.Status, res.Provisioned)
		}
	}
}

func TestUpRebuildsAfterFailedAdopt(t *testing.T) {
	hv := newFakeHV()
	r, store := newTestRenderer(t, hv, Options{})
	topo := loadTestTopology(t)

	if _, err := r.Up(context.Background(), topo, "db01"); err != nil {
		t.Fatalf("first Up: %v", err)
	}

	// Simulate the process dying between runs.
	hv.failAdopt["db01"] = errors.New("adopt db01: process 4242 gone")
	hv.mu.Lock()
	delete(hv.created, "db01")
	delete(hv.attached, "db01")
	hv.mu.Unlock()

	report, err := r.Up(context.Background(), topo, "db01")
	if err != nil {
		t.Fatalf("second Up: %v", err)
	}
	if report.Results[0].Err != nil {
		t.Fatalf("rebuild failed: %v", report.Results[0].Err)
	}
	if hv.count("create:db01") != 2 {
		t.Errorf("machine was not re-created after stale state: %v", hv.callLog())
	}
	if st, _ := store.Load("db01"); st == nil || !st.Provisioned {
		t.Errorf("rebuilt state = %+v, want provisioned", st)
	}
}

func TestParallelUp(t *testing.T) {
	hv := newFakeHV()
	r, _ := newTestRenderer(t, hv, Options{Parallel: true})
	topo := loadTestTopology(t)

	report, err := r.Up(context.Background(), topo, "")
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if got := report.Err(); got != nil {
		t.Fatalf("parallel Up failed: %v", got)
	}

	// Results keep declaration order regardless of completion order.
	for i, name := range []string{"web01", "web02", "db01"} {
		if report.Results[i].Machine != name {
			t.Errorf("result %d = %q, want %q", i, report.Results[i].Machine, name)
		}
	}

	// Within each machine the pipeline order must hold even when machines
	// interleave.
	log := hv.callLog()
	pos := func(call string) int {
		for i, c := range log {
			if c == call {
				return i
			}
		}
		t.Fatalf("call %q missing from log %v", call, log)
		return -1
	}
	for _, name := range []string{"web01", "web02", "db01"} {
		if pos("create:"+name) > pos("attach:"+name) {
			t.Errorf("%s attached before create", name)
		}
	}
	if pos("attach:web01") > pos("step:web01:0") || pos("step:web01:0") > pos("step:web01:1") {
		t.Errorf("web01 steps out of order: %v", log)
	}
}

func TestDestroyClearsState(t *testing.T) {
	hv := newFakeHV()
	r, store := newTestRenderer(t, hv, Options{})
	topo := loadTestTopology(t)

	if _, err := r.Up(context.Background(), topo, ""); err != nil {
		t.Fatalf("Up: %v", err)
	}

	report, err := r.Destroy(context.Background(), topo, "")
	if err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if got := report.Err(); got != nil {
		t.Fatalf("Destroy failed: %v", got)
	}

	for _, name := range []string{"web01", "web02", "db01"} {
		if st, _ := store.Load(name); st != nil {
			t.Errorf("state for %s survived destroy: %+v", name, st)
		}
	}

	status, err := r.Status(context.Background(), topo, "")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	for _, res := range status.Results {
		if res.Status != domain.StatusNotCreated {
			t.Errorf("%s status = %q after destroy, want not_created", res.Machine, res.Status)
		}
	}
}

func TestDestroyNotCreatedIsNoop(t *testing.T) {
	hv := newFakeHV()
	r, _ := newTestRenderer(t, hv, Options{})
	topo := loadTestTopology(t)

	report, err := r.Destroy(context.Background(), topo, "web01")
	if err != nil {
		t.Fatalf("Destroy: %v", err)
	}
	if report.Results[0].Err != nil {
		t.Errorf("destroying a machine that never existed errored: %v", report.Results[0].Err)
	}
}

func TestProvisionRerunsAllSteps(t *testing.T) {
	hv := newFakeHV()
	r, _ := newTestRenderer(t, hv, Options{})
	topo := loadTestTopology(t)

	if _, err := r.Up(context.Background(), topo, "web01"); err != nil {
		t.Fatalf("Up: %v", err)
	}
	if got := hv.count("step:web01"); got != 2 {
		t.Fatalf("steps after up = %d, want 2", got)
	}

	report, err := r.Provision(context.Background(), topo, "web01")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if report.Results[0].Err != nil {
		t.Fatalf("Provision failed: %v", report.Results[0].Err)
	}
	if got := hv.count("step:web01"); got != 4 {
		t.Errorf("steps after re-provision = %d, want 4", got)
	}
}

func TestProvisionRequiresRunningMachine(t *testing.T) {
	hv := newFakeHV()
	r, _ := newTestRenderer(t, hv, Options{})
	topo := loadTestTopology(t)

	report, err := r.Provision(context.Background(), topo, "web01")
	if err != nil {
		t.Fatalf("Provision: %v", err)
	}
	if report.Results[0].Err == nil {
		t.Fatal("Provision on a machine that is not up succeeded")
	}
	if hv.count("step:") != 0 {
		t.Errorf("steps ran on a machine that is not up: %v", hv.callLog())
	}
}

func TestSelectUnknownMachine(t *testing.T) {
	hv := newFakeHV()
	r, _ := newTestRenderer(t, hv, Options{})
	topo := loadTestTopology(t)

	_, err := r.Up(context.Background(), topo, "ghost")
	var notFound domain.ErrMachineNotFound
	if !errors.As(err, &notFound) {
		t.Fatalf("error = %v, want ErrMachineNotFound", err)
	}
	if len(hv.callLog()) != 0 {
		t.Errorf("hypervisor touched for unknown target: %v", hv.callLog())
	}
}
