// Package agent wires the vmlabd daemon: persisted machine state, the QEMU
// driver, the renderer and the HTTP API.
package agent

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hostforge/vmlab/internal/config"
	"github.com/hostforge/vmlab/internal/domain"
	"github.com/hostforge/vmlab/internal/events"
	"github.com/hostforge/vmlab/internal/image"
	"github.com/hostforge/vmlab/internal/metrics"
	"github.com/hostforge/vmlab/internal/qemu"
	"github.com/hostforge/vmlab/internal/renderer"
	"github.com/hostforge/vmlab/internal/server"
	"github.com/hostforge/vmlab/internal/sshkey"
	"github.com/hostforge/vmlab/internal/state"
	"github.com/hostforge/vmlab/internal/system"
	"github.com/hostforge/vmlab/internal/topology"
)

// Agent is the long-running daemon. It adopts machines left by earlier runs,
// reaps orphaned QEMU processes and serves the lifecycle API.
type Agent struct {
	cfg    *config.Config
	logger *slog.Logger

	store  *state.Store
	hv     *qemu.Manager
	rend   *renderer.Renderer
	events *events.Publisher
	topo   *topology.Topology

	httpServer *server.Server
}

// New creates and wires all daemon subsystems.
func New(cfg *config.Config, logger *slog.Logger) (*Agent, error) {
	store, err := state.NewStore(cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("init state store: %w", err)
	}

	if _, err := sshkey.Ensure(cfg.SSHKeyPath); err != nil {
		return nil, fmt.Errorf("ensure management key: %w", err)
	}

	resolver, err := image.NewResolver(cfg.ImageDir, cfg.BoxCatalogURL, logger)
	if err != nil {
		return nil, fmt.Errorf("init box resolver: %w", err)
	}

	hv := qemu.NewManager(qemu.Config{
		Binary:       cfg.QEMUBinary,
		ImageDir:     cfg.ImageDir,
		RunDir:       cfg.RunDir,
		Bridge:       cfg.Bridge,
		PublicBridge: cfg.PublicBridge,
		SSHUser:      cfg.SSHUser,
		SSHKeyPath:   cfg.SSHKeyPath,
		BootTimeout:  cfg.BootTimeout,
		NoKVM:        cfg.NoKVM,
	}, resolver, logger)

	pub, err := events.NewPublisher(cfg.NATSURL, logger)
	if err != nil {
		logger.Warn("nats unavailable, continuing without events", "err", err)
		pub, _ = events.NewPublisher("", logger)
	}

	topo, err := topology.Load(cfg.TopologyFile)
	if err != nil {
		return nil, fmt.Errorf("load topology: %w", err)
	}

	return &Agent{
		cfg:    cfg,
		logger: logger,
		store:  store,
		hv:     hv,
		rend:   renderer.New(hv, store, pub, logger, renderer.Options{Parallel: cfg.Parallel}),
		events: pub,
		topo:   topo,
	}, nil
}

// Run executes the daemon lifecycle: restore machines, start the status
// poller and the HTTP server. Blocks until the context is cancelled. Running
// machines survive daemon restarts; shutdown does not touch them.
func (a *Agent) Run(ctx context.Context) error {
	host := system.Probe()
	a.logger.Info("host",
		"cpu", host.CPUName,
		"cores", host.CPUCores,
		"ram_gb", host.RAMGB,
		"kvm", host.KVM,
	)

	a.restoreMachines(ctx)

	handler := server.NewHandler(a.rend, a.topo, a.cfg.TopologyFile, a.logger)
	a.httpServer = server.New(a.cfg.ListenAddr, handler, a.cfg.APISecret, a.logger)

	go a.pollStatus(ctx)

	a.logger.Info("vmlabd ready",
		"version", config.Version,
		"addr", a.cfg.ListenAddr,
		"topology", a.cfg.TopologyFile,
		"machines", len(a.topo.Machines),
	)

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.httpServer.Start()
	}()

	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
		return a.shutdown()
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	}
}

// restoreMachines re-attaches to machines persisted by earlier runs, clears
// state for machines whose process is gone and kills QEMU processes nobody
// tracks anymore.
func (a *Agent) restoreMachines(ctx context.Context) {
	states, err := a.store.List()
	if err != nil {
		a.logger.Warn("list persisted machines failed", "err", err)
		return
	}

	known := make(map[string]bool, len(states))
	for _, st := range states {
		if err := a.hv.Adopt(ctx, st); err != nil {
			a.logger.Warn("machine gone, clearing state", "machine", st.Name, "err", err)
			_ = a.store.Clear(st.Name)
			continue
		}
		known[st.VMID] = true
		a.logger.Info("machine restored", "machine", st.Name, "vm_id", st.VMID)
	}

	a.hv.ReapOrphans(known)
}

// pollStatus keeps the running-machines and host utilization gauges current.
func (a *Agent) pollStatus(ctx context.Context) {
	collector := system.NewStatsCollector()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := collector.Collect()
			metrics.HostCPUPercent.Set(snap.CPUUtil)
			metrics.HostMemoryPercent.Set(snap.RAMUtil)

			states, err := a.store.List()
			if err != nil {
				continue
			}

			running := 0
			for _, st := range states {
				status, err := a.hv.Status(ctx, st.Name)
				if err == nil && status == domain.StatusRunning {
					running++
				}
			}
			metrics.MachinesRunning.Set(float64(running))
		}
	}
}

func (a *Agent) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Error("http server shutdown error", "err", err)
		}
	}

	a.events.Close()
	a.logger.Info("vmlabd stopped")
	return nil
}
