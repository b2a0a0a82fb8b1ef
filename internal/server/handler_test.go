package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hostforge/vmlab/internal/domain"
	"github.com/hostforge/vmlab/internal/renderer"
	"github.com/hostforge/vmlab/internal/topology"
)

const testDescriptor = `
name: lab
machines:
  - name: web01
    box: ubuntu-24.04
  - name: db01
    box: debian-12
`

// fakeOrch answers every operation from the topology selection, recording
// the last call. Injected failures override the default success report.
type fakeOrch struct {
	lastOp     string
	lastTarget string
	failWith   map[string]error
}

func (f *fakeOrch) do(op string, topo *topology.Topology, target string) (*renderer.Report, error) {
	f.lastOp, f.lastTarget = op, target

	machines, err := topo.Select(target)
	if err != nil {
		return nil, err
	}

	rep := &renderer.Report{}
	for _, m := range machines {
		res := renderer.Result{Machine: m.Name, Status: domain.StatusRunning, Provisioned: true}
		if ferr, ok := f.failWith[m.Name]; ok {
			res.Err = ferr
			res.Status = domain.StatusError
			res.Provisioned = false
		}
		rep.Results = append(rep.Results, res)
	}
	return rep, nil
}

func (f *fakeOrch) Up(ctx context.Context, topo *topology.Topology, target string) (*renderer.Report, error) {
	return f.do("up", topo, target)
}

func (f *fakeOrch) Provision(ctx context.Context, topo *topology.Topology, target string) (*renderer.Report, error) {
	return f.do("provision", topo, target)
}

func (f *fakeOrch) Destroy(ctx context.Context, topo *topology.Topology, target string) (*renderer.Report, error) {
	return f.do("destroy", topo, target)
}

func (f *fakeOrch) Status(ctx context.Context, topo *topology.Topology, target string) (*renderer.Report, error) {
	return f.do("status", topo, target)
}

type apiResponse struct {
	Ok    bool            `json:"ok"`
	Data  []machineResult `json:"data"`
	Error string          `json:"error"`
}

func newTestServer(t *testing.T, secret string) (*fakeOrch, http.Handler) {
	t.Helper()

	topo, err := topology.Parse([]byte(testDescriptor), t.TempDir())
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}

	orch := &fakeOrch{failWith: make(map[string]error)}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := NewHandler(orch, topo, "/nonexistent/topology.yaml", logger)
	return orch, newRouter(h, secret, logger)
}

func doRequest(router http.Handler, method, path, secret string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if secret != "" {
		req.Header.Set("X-VMLab-Secret", secret)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func TestHealthzIsPublic(t *testing.T) {
	_, router := newTestServer(t, "s3cret")

	w := doRequest(router, http.MethodGet, "/healthz", "")
	if w.Code != http.StatusOK {
		t.Fatalf("healthz status = %d, want 200", w.Code)
	}
}

func TestMetricsIsPublic(t *testing.T) {
	_, router := newTestServer(t, "s3cret")

	w := doRequest(router, http.MethodGet, "/metrics", "")
	if w.Code != http.StatusOK {
		t.Fatalf("metrics status = %d, want 200", w.Code)
	}
}

func TestAuthRequired(t *testing.T) {
	_, router := newTestServer(t, "s3cret")

	if w := doRequest(router, http.MethodGet, "/machines", ""); w.Code != http.StatusUnauthorized {
		t.Errorf("missing secret status = %d, want 401", w.Code)
	}
	if w := doRequest(router, http.MethodGet, "/machines", "wrong"); w.Code != http.StatusForbidden {
		t.Errorf("wrong secret status = %d, want 403", w.Code)
	}
	if w := doRequest(router, http.MethodGet, "/machines", "s3cret"); w.Code != http.StatusOK {
		t.Errorf("valid secret status = %d, want 200", w.Code)
	}
}

func TestUpMachineRoutesTarget(t *testing.T) {
	orch, router := newTestServer(t, "")

	w := doRequest(router, http.MethodPost, "/machines/web01/up", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	if orch.lastOp != "up" || orch.lastTarget != "web01" {
		t.Errorf("orchestrator saw %s/%s, want up/web01", orch.lastOp, orch.lastTarget)
	}

	var resp apiResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !resp.Ok || len(resp.Data) != 1 || resp.Data[0].Machine != "web01" {
		t.Errorf("response = %+v", resp)
	}
}

func TestUpAllListsEveryMachine(t *testing.T) {
	orch, router := newTestServer(t, "")

	w := doRequest(router, http.MethodPost, "/up", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if orch.lastTarget != "" {
		t.Errorf("target = %q, want all machines", orch.lastTarget)
	}

	var resp apiResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Data) != 2 {
		t.Errorf("got %d results, want 2", len(resp.Data))
	}
}

func TestUnknownMachineIs404(t *testing.T) {
	_, router := newTestServer(t, "")

	w := doRequest(router, http.MethodPost, "/machines/ghost/up", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404: %s", w.Code, w.Body.String())
	}
}

func TestPartialFailureReturns500WithResults(t *testing.T) {
	orch, router := newTestServer(t, "")
	orch.failWith["db01"] = errors.New("boot timeout")

	w := doRequest(router, http.MethodPost, "/up", "")
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", w.Code)
	}

	var resp apiResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if resp.Ok {
		t.Error("ok = true on partial failure")
	}
	if len(resp.Data) != 2 {
		t.Fatalf("got %d results, want both machines reported", len(resp.Data))
	}
	if resp.Data[0].Error != "" || resp.Data[1].Error == "" {
		t.Errorf("per-machine errors wrong: %+v", resp.Data)
	}
}

func TestReloadRejectsMissingFile(t *testing.T) {
	_, router := newTestServer(t, "")

	w := doRequest(router, http.MethodPost, "/topology/reload", "")
	if w.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", w.Code)
	}
}
