package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/durableflow/config"
	"github.com/BaSui01/durableflow/internal/metrics"
	"github.com/BaSui01/durableflow/workflow"
	"github.com/BaSui01/durableflow/workflow/executors"
)

const greetYAML = `name: greet
version: "1"
nodes:
  - id: start
    type: start
  - id: end
    type: end
edges:
  - source: start
    target: end
`

const approveYAML = `name: approve
nodes:
  - id: start
    type: start
  - id: review
    type: approval
  - id: end
    type: end
edges:
  - source: start
    target: review
  - source: review
    target: end
`

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o644))
	return p
}

func newTestServer(t *testing.T, mutate func(*config.Config)) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	writeFile(t, dir, "greet.yaml", greetYAML)

	cfg := config.DefaultConfig()
	cfg.Workflows.Dir = dir
	cfg.Server.RateLimitRPS = 0
	if mutate != nil {
		mutate(cfg)
	}

	registry := workflow.NewExecutorRegistry(zap.NewNop())
	executors.RegisterDefaults(registry, executors.Dependencies{Logger: zap.NewNop()})
	engine := workflow.NewEngine(workflow.NewMemoryStore(), registry)
	t.Cleanup(func() { _ = engine.Close() })

	reg := prometheus.NewRegistry()
	rt := &Runtime{
		Config:    cfg,
		Engine:    engine,
		Registry:  reg,
		Collector: metrics.NewCollector("test", reg, zap.NewNop()),
		logger:    zap.NewNop(),
	}
	srv, err := NewServer(cfg, rt, zap.NewNop())
	require.NoError(t, err)
	return srv, dir
}

func get(t *testing.T, h http.Handler, path string, header map[string]string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	r := httptest.NewRequest(http.MethodGet, path, nil)
	for k, v := range header {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	var body map[string]any
	_ = json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestServer_Handler(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler(context.Background())

	w, _ := get(t, h, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotEmpty(t, w.Header().Get("X-Request-ID"))

	w, body := get(t, h, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	details := body["details"].(map[string]any)
	assert.EqualValues(t, 1, details["workflows"])
	assert.Equal(t, false, details["redis"])

	w, body = get(t, h, "/v1/workflows", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := body["data"].([]any)
	require.Len(t, list, 1)
	assert.Equal(t, "greet", list[0].(map[string]any)["name"])

	w, _ = get(t, h, "/v1/workflows/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestServer_StartThroughHandler(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler(context.Background())

	r := httptest.NewRequest(http.MethodPost, "/v1/workflows/greet/executions", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var body struct {
		Data workflow.RunResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, workflow.ExecutionCompleted, body.Data.Status)

	w, _ = get(t, h, "/v1/executions/"+body.Data.ExecutionID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_APIKeys(t *testing.T) {
	srv, _ := newTestServer(t, func(c *config.Config) { c.Server.APIKeys = []string{"k1"} })
	h := srv.Handler(context.Background())

	w, _ := get(t, h, "/v1/workflows", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	w, _ = get(t, h, "/v1/workflows", map[string]string{"X-API-Key": "k1"})
	assert.Equal(t, http.StatusOK, w.Code)
	w, _ = get(t, h, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestServer_ReloadCatalog(t *testing.T) {
	srv, dir := newTestServer(t, nil)
	assert.Equal(t, []string{"greet"}, srv.Catalog().Names())

	writeFile(t, dir, "approve.yaml", approveYAML)
	srv.reloadCatalog()
	assert.Equal(t, []string{"approve", "greet"}, srv.Catalog().Names())

	// a broken file keeps the previous catalog
	writeFile(t, dir, "broken.yaml", "name: broken\nnodes: []\n")
	srv.reloadCatalog()
	assert.Equal(t, []string{"approve", "greet"}, srv.Catalog().Names())
}

func TestServer_MissingWorkflowDir(t *testing.T) {
	_, _ = newTestServer(t, func(c *config.Config) {
		c.Workflows.Dir = filepath.Join(t.TempDir(), "absent")
	})
}
