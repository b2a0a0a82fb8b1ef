package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// Build-time variables injected via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Config holds all vmlab configuration loaded from environment variables.
type Config struct {
	// Debug enables verbose logging.
	Debug bool

	// DataDir is the root directory for persistent vmlab data.
	DataDir string

	// LogDir is the directory for log files.
	LogDir string

	// StateDir is the directory for per-machine state files.
	StateDir string

	// ImageDir is the directory for box images and machine disk overlays.
	ImageDir string

	// RunDir is the directory for QMP sockets, pidfiles and serial logs.
	RunDir string

	// TopologyFile is the default topology descriptor path.
	TopologyFile string

	// QEMUBinary is the path to the qemu-system-x86_64 binary.
	QEMUBinary string

	// NoKVM disables KVM acceleration (falls back to TCG).
	NoKVM bool

	// Bridge is the host bridge backing private networks when the
	// topology does not name one.
	Bridge string

	// PublicBridge is the host bridge used for public_network NICs.
	PublicBridge string

	// BoxCatalogURL is the base URL boxes are downloaded from when not
	// present in ImageDir.
	BoxCatalogURL string

	// SSHUser is the guest account used for provisioning.
	SSHUser string

	// SSHKeyPath is the private key used to reach guests. Generated on
	// first use when missing.
	SSHKeyPath string

	// BootTimeout bounds how long a machine may take to become reachable
	// after it is started.
	BootTimeout time.Duration

	// Parallel renders machines concurrently instead of in declaration
	// order.
	Parallel bool

	// ListenAddr is the daemon HTTP listen address.
	ListenAddr string

	// APISecret guards the daemon API. Required by vmlabd only.
	APISecret string

	// NATSURL enables lifecycle event publishing when set.
	NATSURL string
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	dataDir := "/var/lib/vmlab"
	if home, err := os.UserHomeDir(); err == nil {
		dataDir = filepath.Join(home, ".vmlab")
	}

	return &Config{
		DataDir:       dataDir,
		TopologyFile:  "topology.yaml",
		QEMUBinary:    "/usr/bin/qemu-system-x86_64",
		Bridge:        "virbr0",
		PublicBridge:  "br0",
		BoxCatalogURL: "https://boxes.vmlab.sh/v1",
		SSHUser:       "root",
		BootTimeout:   3 * time.Minute,
		ListenAddr:    "127.0.0.1:7789",
	}
}

// Load reads configuration from environment variables, applying defaults
// for anything not explicitly set. Returns an error if a value is malformed.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	cfg.Debug = os.Getenv("VMLAB_DEBUG") == "true"

	if v := os.Getenv("VMLAB_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}

	// Derived directories follow DataDir unless overridden individually.
	cfg.LogDir = filepath.Join(cfg.DataDir, "logs")
	cfg.StateDir = filepath.Join(cfg.DataDir, "machines")
	cfg.ImageDir = filepath.Join(cfg.DataDir, "images")
	cfg.RunDir = filepath.Join(cfg.DataDir, "run")
	cfg.SSHKeyPath = filepath.Join(cfg.DataDir, "keys", "id_ed25519")

	if v := os.Getenv("VMLAB_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}

	if v := os.Getenv("VMLAB_STATE_DIR"); v != "" {
		cfg.StateDir = v
	}

	if v := os.Getenv("VMLAB_IMAGE_DIR"); v != "" {
		cfg.ImageDir = v
	}

	if v := os.Getenv("VMLAB_RUN_DIR"); v != "" {
		cfg.RunDir = v
	}

	if v := os.Getenv("VMLAB_TOPOLOGY"); v != "" {
		cfg.TopologyFile = v
	}

	if v := os.Getenv("VMLAB_QEMU_BINARY"); v != "" {
		cfg.QEMUBinary = v
	}

	cfg.NoKVM = os.Getenv("VMLAB_NO_KVM") == "true"

	if v := os.Getenv("VMLAB_BRIDGE"); v != "" {
		cfg.Bridge = v
	}

	if v := os.Getenv("VMLAB_PUBLIC_BRIDGE"); v != "" {
		cfg.PublicBridge = v
	}

	if v := os.Getenv("VMLAB_BOX_CATALOG"); v != "" {
		cfg.BoxCatalogURL = v
	}

	if v := os.Getenv("VMLAB_SSH_USER"); v != "" {
		cfg.SSHUser = v
	}

	if v := os.Getenv("VMLAB_SSH_KEY"); v != "" {
		cfg.SSHKeyPath = v
	}

	if v := os.Getenv("VMLAB_BOOT_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("VMLAB_BOOT_TIMEOUT: %w", err)
		}
		cfg.BootTimeout = d
	}

	cfg.Parallel = os.Getenv("VMLAB_PARALLEL") == "true"

	if v := os.Getenv("VMLAB_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}

	if v := os.Getenv("VMLAB_API_SECRET"); v != "" {
		cfg.APISecret = v
	}

	if v := os.Getenv("VMLAB_NATS_URL"); v != "" {
		cfg.NATSURL = v
	}

	return cfg, nil
}

// NewLogger creates a structured logger that writes JSON to a per-binary log file.
func NewLogger(cfg *Config, name string) (*slog.Logger, error) {
	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}

	logPath := filepath.Join(cfg.LogDir, name+".log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file %s: %w", logPath, err)
	}

	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}

	handler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	logger := slog.New(handler)

	return logger, nil
}
