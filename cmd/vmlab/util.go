package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/hostforge/vmlab/internal/config"
	"github.com/hostforge/vmlab/internal/events"
	"github.com/hostforge/vmlab/internal/image"
	"github.com/hostforge/vmlab/internal/qemu"
	"github.com/hostforge/vmlab/internal/renderer"
	"github.com/hostforge/vmlab/internal/sshkey"
	"github.com/hostforge/vmlab/internal/state"
	"github.com/hostforge/vmlab/internal/topology"
)

// lab bundles everything a subcommand needs to operate on the local
// hypervisor directly, without going through vmlabd.
type lab struct {
	cfg    *config.Config
	logger *slog.Logger
	topo   *topology.Topology
	rend   *renderer.Renderer
	pub    *events.Publisher
}

type labFunc func(ctx context.Context, l *lab, target string) (*renderer.Report, error)

// withLab wraps a subcommand body with the shared setup: signal handling,
// config and topology loading, hypervisor wiring, and report printing.
// The process exits non-zero when any machine in the report failed.
func withLab(do labFunc) func(*cobra.Command, []string) {
	return func(_ *cobra.Command, args []string) {
		target := ""
		if len(args) > 0 {
			target = args[0]
		}

		if err := runWithLab(do, target); err != nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
			os.Exit(1)
		}
	}
}

func runWithLab(do labFunc, target string) error {
	ctx, cancel := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM,
	)
	defer cancel()

	l, err := buildLab()
	if err != nil {
		return err
	}
	defer l.pub.Close()

	report, err := do(ctx, l, target)
	if err != nil {
		return err
	}

	printReport(report)

	if report.Failed() > 0 {
		os.Exit(1)
	}
	return nil
}

func buildLab() (*lab, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("configuration: %w", err)
	}
	if rootFlags.file != "" {
		cfg.TopologyFile = rootFlags.file
	}
	if rootFlags.verbose {
		cfg.Debug = true
	}

	var logger *slog.Logger
	if rootFlags.verbose {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		}))
	} else {
		logger, err = config.NewLogger(cfg, "vmlab")
		if err != nil {
			return nil, err
		}
	}

	topo, err := topology.Load(cfg.TopologyFile)
	if err != nil {
		return nil, err
	}

	store, err := state.NewStore(cfg.StateDir)
	if err != nil {
		return nil, err
	}

	keys, err := sshkey.Ensure(cfg.SSHKeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh keys: %w", err)
	}

	resolver, err := image.NewResolver(cfg.ImageDir, cfg.BoxCatalogURL, logger)
	if err != nil {
		return nil, err
	}

	hv := qemu.NewManager(qemu.Config{
		Binary:       cfg.QEMUBinary,
		ImageDir:     cfg.ImageDir,
		RunDir:       cfg.RunDir,
		Bridge:       cfg.Bridge,
		PublicBridge: cfg.PublicBridge,
		SSHUser:      cfg.SSHUser,
		SSHKeyPath:   keys.PrivateKeyPath,
		BootTimeout:  cfg.BootTimeout,
		NoKVM:        cfg.NoKVM,
	}, resolver, logger)

	pub, err := events.NewPublisher(cfg.NATSURL, logger)
	if err != nil {
		logger.Warn("event publishing disabled", "err", err)
		pub, _ = events.NewPublisher("", logger)
	}

	rend := renderer.New(hv, store, pub, logger, renderer.Options{
		Parallel: rootFlags.parallel || cfg.Parallel,
	})

	return &lab{
		cfg:    cfg,
		logger: logger,
		topo:   topo,
		rend:   rend,
		pub:    pub,
	}, nil
}

func printReport(report *renderer.Report) {
	width := 0
	for _, res := range report.Results {
		if len(res.Machine) > width {
			width = len(res.Machine)
		}
	}

	for _, res := range report.Results {
		mark := "provisioned"
		if !res.Provisioned {
			mark = "-"
		}

		if res.Err != nil {
			fmt.Printf("%-*s  %-11s  %-11s  %s\n", width, res.Machine, res.Status, mark, res.Err)
			continue
		}
		fmt.Printf("%-*s  %-11s  %-11s  %s\n", width, res.Machine, res.Status, mark, res.Duration.Truncate(10*time.Millisecond))
	}

	if n := report.Failed(); n > 0 {
		fmt.Printf("\n%d of %d machines failed\n", n, len(report.Results))
	}
}
