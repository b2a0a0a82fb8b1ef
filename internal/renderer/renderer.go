// Package renderer turns a declared topology into running machines. It owns
// the per-machine pipeline (create, attach, provision), the persisted state
// that lets a later process find machines again, and the policy that one
// machine's failure never stops the others.
package renderer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/hostforge/vmlab/internal/domain"
	"github.com/hostforge/vmlab/internal/events"
	"github.com/hostforge/vmlab/internal/state"
	"github.com/hostforge/vmlab/internal/topology"
)

// Notifier publishes machine lifecycle events. A nil Notifier disables
// publishing.
type Notifier interface {
	Publish(ev events.Event)
}

type Options struct {
	// Parallel runs machine pipelines concurrently instead of in
	// declaration order. Results keep their declaration-order positions
	// either way.
	Parallel bool
}

type Renderer struct {
	hv     domain.Hypervisor
	store  *state.Store
	events Notifier
	logger *slog.Logger
	opts   Options
}

func New(hv domain.Hypervisor, store *state.Store, notifier Notifier, logger *slog.Logger, opts Options) *Renderer {
	return &Renderer{
		hv:     hv,
		store:  store,
		events: notifier,
		logger: logger,
		opts:   opts,
	}
}

// Result is the outcome of one operation on one machine.
type Result struct {
	Machine     string
	Status      domain.MachineStatus
	Provisioned bool
	Err         error
	Duration    time.Duration
}

// Report collects per-machine results in declaration order.
type Report struct {
	Results []Result
}

// Err joins the errors of all failed machines, or returns nil if every
// machine succeeded.
func (r *Report) Err() error {
	var errs []error
	for _, res := range r.Results {
		if res.Err != nil {
			errs = append(errs, res.Err)
		}
	}
	return errors.Join(errs...)
}

// Failed counts machines whose operation errored.
func (r *Report) Failed() int {
	n := 0
	for _, res := range r.Results {
		if res.Err != nil {
			n++
		}
	}
	return n
}

// Up brings the targeted machines to a running, provisioned state. Machines
// already up are left alone. A failing machine is rolled back and reported,
// and the remaining machines still get their turn.
func (r *Renderer) Up(ctx context.Context, topo *topology.Topology, target string) (*Report, error) {
	machines, err := topo.Select(target)
	if err != nil {
		return nil, err
	}
	return r.run(machines, func(spec domain.MachineSpec) Result {
		return r.upOne(ctx, topo, spec)
	}), nil
}

// Provision re-runs the full provisioning sequence of the targeted machines.
// Machines must be running.
func (r *Renderer) Provision(ctx context.Context, topo *topology.Topology, target string) (*Report, error) {
	machines, err := topo.Select(target)
	if err != nil {
		return nil, err
	}
	return r.run(machines, func(spec domain.MachineSpec) Result {
		return r.provisionOne(ctx, topo, spec)
	}), nil
}

// Destroy tears the targeted machines down and clears their state. Machines
// that were never created are skipped without error.
func (r *Renderer) Destroy(ctx context.Context, topo *topology.Topology, target string) (*Report, error) {
	machines, err := topo.Select(target)
	if err != nil {
		return nil, err
	}
	return r.run(machines, func(spec domain.MachineSpec) Result {
		return r.destroyOne(ctx, topo, spec)
	}), nil
}

// Status reports the current status of the targeted machines.
func (r *Renderer) Status(ctx context.Context, topo *topology.Topology, target string) (*Report, error) {
	machines, err := topo.Select(target)
	if err != nil {
		return nil, err
	}
	return r.run(machines, func(spec domain.MachineSpec) Result {
		return r.statusOne(ctx, spec)
	}), nil
}

func (r *Renderer) run(machines []domain.MachineSpec, fn func(domain.MachineSpec) Result) *Report {
	report := &Report{Results: make([]Result, len(machines))}

	if r.opts.Parallel && len(machines) > 1 {
		var wg sync.WaitGroup
		for i, spec := range machines {
			wg.Add(1)
			go func() {
				defer wg.Done()
				report.Results[i] = fn(spec)
			}()
		}
		wg.Wait()
		return report
	}

	for i, spec := range machines {
		report.Results[i] = fn(spec)
	}
	return report
}

func (r *Renderer) upOne(ctx context.Context, topo *topology.Topology, spec domain.MachineSpec) Result {
	start := time.Now()
	finish := func(status domain.MachineStatus, provisioned bool, err error) Result {
		return Result{Machine: spec.Name, Status: status, Provisioned: provisioned, Err: err, Duration: time.Since(start)}
	}

	st, err := r.store.Load(spec.Name)
	if err != nil {
		r.logger.Warn("state load failed", "machine", spec.Name, "err", err)
	}

	if st != nil {
		if err := r.hv.Adopt(ctx, st); err == nil {
			status, _ := r.hv.Status(ctx, spec.Name)
			if status == domain.StatusRunning {
				if st.Provisioned {
					r.logger.Info("machine already up", "machine", spec.Name, "vm_id", st.VMID)
					return finish(status, true, nil)
				}
				// Running but never fully provisioned: finish the job.
				if err := r.provisionMachine(ctx, topo, spec, st); err != nil {
					return finish(status, false, err)
				}
				return finish(domain.StatusRunning, true, nil)
			}
			// Adopted but not actually running anymore.
			_ = r.hv.Destroy(ctx, spec.Name)
		} else {
			r.logger.Warn("stale machine state, rebuilding", "machine", spec.Name, "err", err)
			r.removeLeftovers(st)
		}
		_ = r.store.Clear(spec.Name)
	}

	rt, err := r.hv.Create(ctx, spec)
	if err != nil {
		return finish(domain.StatusNotCreated, false, err)
	}

	rt, err = r.hv.AttachNetwork(ctx, spec, topo.Network)
	if err != nil {
		_ = r.hv.Destroy(ctx, spec.Name)
		return finish(domain.StatusError, false, err)
	}

	st = &domain.MachineState{
		Name:      spec.Name,
		VMID:      rt.VMID,
		Box:       spec.Box,
		DiskPath:  rt.DiskPath,
		PID:       rt.PID,
		QMPSocket: rt.QMPSocket,
		SSHPort:   rt.SSHPort,
		Ports:     rt.Ports,
		PrivateIP: spec.PrivateIP,
		Status:    domain.StatusRunning,
	}
	if err := r.store.Save(st); err != nil {
		r.logger.Warn("state save failed", "machine", spec.Name, "err", err)
	}

	r.emit(events.Event{Topology: topo.Name, Machine: spec.Name, VMID: rt.VMID, Type: events.TypeUp})

	if err := r.provisionMachine(ctx, topo, spec, st); err != nil {
		return finish(domain.StatusRunning, false, err)
	}
	return finish(domain.StatusRunning, true, nil)
}

func (r *Renderer) provisionOne(ctx context.Context, topo *topology.Topology, spec domain.MachineSpec) Result {
	start := time.Now()
	finish := func(status domain.MachineStatus, provisioned bool, err error) Result {
		return Result{Machine: spec.Name, Status: status, Provisioned: provisioned, Err: err, Duration: time.Since(start)}
	}

	st, err := r.store.Load(spec.Name)
	if err != nil {
		r.logger.Warn("state load failed", "machine", spec.Name, "err", err)
	}
	if st != nil {
		if err := r.hv.Adopt(ctx, st); err != nil {
			return finish(domain.StatusError, false, fmt.Errorf("machine %s: %w", spec.Name, err))
		}
	}

	status, _ := r.hv.Status(ctx, spec.Name)
	if status != domain.StatusRunning {
		return finish(status, false, fmt.Errorf("machine %s is not running (status %s), run up first", spec.Name, status))
	}

	if st == nil {
		st = &domain.MachineState{Name: spec.Name, Box: spec.Box, Status: domain.StatusRunning}
	}
	st.Provisioned = false

	if err := r.provisionMachine(ctx, topo, spec, st); err != nil {
		return finish(domain.StatusRunning, false, err)
	}
	return finish(domain.StatusRunning, true, nil)
}

func (r *Renderer) destroyOne(ctx context.Context, topo *topology.Topology, spec domain.MachineSpec) Result {
	start := time.Now()
	res := Result{Machine: spec.Name, Status: domain.StatusNotCreated}

	st, err := r.store.Load(spec.Name)
	if err != nil {
		r.logger.Warn("state load failed", "machine", spec.Name, "err", err)
	}

	vmID := ""
	if st != nil {
		vmID = st.VMID
		if err := r.hv.Adopt(ctx, st); err != nil {
			// Process already gone; clean what the hypervisor cannot.
			r.removeLeftovers(st)
		}
	}

	if err := r.hv.Destroy(ctx, spec.Name); err != nil {
		res.Err = err
		res.Status = domain.StatusError
		res.Duration = time.Since(start)
		return res
	}

	if err := r.store.Clear(spec.Name); err != nil {
		r.logger.Warn("state clear failed", "machine", spec.Name, "err", err)
	}

	if st != nil {
		r.emit(events.Event{Topology: topo.Name, Machine: spec.Name, VMID: vmID, Type: events.TypeDestroyed})
	}

	res.Duration = time.Since(start)
	return res
}

func (r *Renderer) statusOne(ctx context.Context, spec domain.MachineSpec) Result {
	start := time.Now()

	st, err := r.store.Load(spec.Name)
	if err != nil {
		r.logger.Warn("state load failed", "machine", spec.Name, "err", err)
	}
	if st != nil {
		_ = r.hv.Adopt(ctx, st)
	}

	status, err := r.hv.Status(ctx, spec.Name)
	return Result{
		Machine:     spec.Name,
		Status:      status,
		Provisioned: st != nil && st.Provisioned,
		Err:         err,
		Duration:    time.Since(start),
	}
}

// provisionMachine runs the machine's steps in order, stopping at the first
// failure. On success the machine is marked provisioned in the store.
func (r *Renderer) provisionMachine(ctx context.Context, topo *topology.Topology, spec domain.MachineSpec, st *domain.MachineState) error {
	for i, step := range spec.Provision {
		r.logger.Info("provisioning", "machine", spec.Name, "step", i, "run", step.Label())
		if err := r.hv.RunStep(ctx, spec.Name, i, step); err != nil {
			r.emit(events.Event{Topology: topo.Name, Machine: spec.Name, VMID: st.VMID, Type: events.TypeFailed, Error: err.Error()})
			return err
		}
	}

	st.Provisioned = true
	st.Status = domain.StatusRunning
	if err := r.store.Save(st); err != nil {
		r.logger.Warn("state save failed", "machine", spec.Name, "err", err)
	}

	if len(spec.Provision) > 0 {
		r.emit(events.Event{Topology: topo.Name, Machine: spec.Name, VMID: st.VMID, Type: events.TypeProvisioned})
	}
	return nil
}

// removeLeftovers deletes on-disk remains of a machine whose process is gone
// and which therefore cannot be destroyed through the hypervisor.
func (r *Renderer) removeLeftovers(st *domain.MachineState) {
	if st.DiskPath != "" {
		if err := os.Remove(st.DiskPath); err != nil && !os.IsNotExist(err) {
			r.logger.Warn("remove stale disk failed", "machine", st.Name, "err", err)
		}
	}
	if st.QMPSocket != "" {
		_ = os.Remove(st.QMPSocket)
	}
}

func (r *Renderer) emit(ev events.Event) {
	if r.events == nil {
		return
	}
	r.events.Publish(ev)
}
