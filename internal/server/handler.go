package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"

	"github.com/hostforge/vmlab/internal/config"
	"github.com/hostforge/vmlab/internal/domain"
	"github.com/hostforge/vmlab/internal/metrics"
	"github.com/hostforge/vmlab/internal/renderer"
	"github.com/hostforge/vmlab/internal/topology"
)

// Orchestrator is the subset of renderer operations the API drives.
type Orchestrator interface {
	Up(ctx context.Context, topo *topology.Topology, target string) (*renderer.Report, error)
	Provision(ctx context.Context, topo *topology.Topology, target string) (*renderer.Report, error)
	Destroy(ctx context.Context, topo *topology.Topology, target string) (*renderer.Report, error)
	Status(ctx context.Context, topo *topology.Topology, target string) (*renderer.Report, error)
}

type Handler struct {
	orch     Orchestrator
	logger   *slog.Logger
	topoPath string

	mu   sync.RWMutex
	topo *topology.Topology
}

func NewHandler(orch Orchestrator, topo *topology.Topology, topoPath string, logger *slog.Logger) *Handler {
	return &Handler{
		orch:     orch,
		logger:   logger,
		topoPath: topoPath,
		topo:     topo,
	}
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/topology", h.GetTopology)
	r.POST("/topology/reload", h.ReloadTopology)

	r.GET("/machines", h.ListMachines)
	r.GET("/machines/:name", h.MachineStatus)
	r.POST("/machines/:name/up", h.UpMachine)
	r.POST("/machines/:name/provision", h.ProvisionMachine)
	r.POST("/machines/:name/destroy", h.DestroyMachine)

	r.POST("/up", h.UpAll)
	r.POST("/provision", h.ProvisionAll)
	r.POST("/destroy", h.DestroyAll)
}

type machineResult struct {
	Machine     string `json:"machine"`
	Status      string `json:"status"`
	Provisioned bool   `json:"provisioned"`
	Error       string `json:"error,omitempty"`
	DurationMS  int64  `json:"duration_ms"`
}

type topologyResponse struct {
	Name     string               `json:"name"`
	Network  domain.NetworkSpec   `json:"network"`
	Machines []domain.MachineSpec `json:"machines"`
}

func (h *Handler) Healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "version": config.Version})
}

func (h *Handler) GetTopology(c *gin.Context) {
	topo := h.topology()
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": topologyResponse{
		Name:     topo.Name,
		Network:  topo.Network,
		Machines: topo.Machines,
	}})
}

// ReloadTopology re-reads the descriptor from disk. Rejected descriptors
// leave the running topology untouched.
func (h *Handler) ReloadTopology(c *gin.Context) {
	topo, err := topology.Load(h.topoPath)
	if err != nil {
		h.logger.Warn("topology reload rejected", "path", h.topoPath, "err", err)
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": err.Error()})
		return
	}

	h.mu.Lock()
	h.topo = topo
	h.mu.Unlock()

	h.logger.Info("topology reloaded", "path", h.topoPath, "machines", len(topo.Machines))
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": topologyResponse{
		Name:     topo.Name,
		Network:  topo.Network,
		Machines: topo.Machines,
	}})
}

func (h *Handler) ListMachines(c *gin.Context) {
	h.runReport(c, "status", h.orch.Status, "")
}

func (h *Handler) MachineStatus(c *gin.Context) {
	h.runReport(c, "status", h.orch.Status, c.Param("name"))
}

func (h *Handler) UpAll(c *gin.Context) {
	h.runReport(c, "up", h.orch.Up, "")
}

func (h *Handler) UpMachine(c *gin.Context) {
	h.runReport(c, "up", h.orch.Up, c.Param("name"))
}

func (h *Handler) ProvisionAll(c *gin.Context) {
	h.runReport(c, "provision", h.orch.Provision, "")
}

func (h *Handler) ProvisionMachine(c *gin.Context) {
	h.runReport(c, "provision", h.orch.Provision, c.Param("name"))
}

func (h *Handler) DestroyAll(c *gin.Context) {
	h.runReport(c, "destroy", h.orch.Destroy, "")
}

func (h *Handler) DestroyMachine(c *gin.Context) {
	h.runReport(c, "destroy", h.orch.Destroy, c.Param("name"))
}

type reportFunc func(ctx context.Context, topo *topology.Topology, target string) (*renderer.Report, error)

// runReport executes one renderer operation and writes its per-machine
// results. Partial failures return 500 with the full result list so clients
// see which machines succeeded.
func (h *Handler) runReport(c *gin.Context, op string, fn reportFunc, target string) {
	report, err := fn(c.Request.Context(), h.topology(), target)
	if err != nil {
		status := http.StatusInternalServerError
		var notFound domain.ErrMachineNotFound
		if errors.As(err, &notFound) {
			status = http.StatusNotFound
		}
		h.logger.Warn("operation rejected", "op", op, "target", target, "err", err)
		c.JSON(status, gin.H{"ok": false, "error": err.Error()})
		return
	}

	results := make([]machineResult, 0, len(report.Results))
	for _, res := range report.Results {
		metrics.RecordOperation(op, res.Err, res.Duration)

		mr := machineResult{
			Machine:     res.Machine,
			Status:      string(res.Status),
			Provisioned: res.Provisioned,
			DurationMS:  res.Duration.Milliseconds(),
		}
		if res.Err != nil {
			mr.Error = res.Err.Error()
		}
		results = append(results, mr)
	}

	if report.Failed() > 0 {
		h.logger.Warn("operation finished with failures", "op", op, "target", target, "failed", report.Failed())
		c.JSON(http.StatusInternalServerError, gin.H{"ok": false, "data": results, "error": report.Err().Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": results})
}

func (h *Handler) topology() *topology.Topology {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.topo
}
