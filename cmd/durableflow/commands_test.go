package main

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/BaSui01/durableflow/workflow"
)

func TestDispatch_HelpAndVersion(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, dispatch(context.Background(), []string{"help"}, &out))
	assert.Contains(t, out.String(), "durableflow <command>")

	out.Reset()
	require.NoError(t, dispatch(context.Background(), []string{"version"}, &out))
	assert.Contains(t, out.String(), "durableflow dev")

	assert.ErrorIs(t, dispatch(context.Background(), nil, &out), errUsage)
	assert.ErrorIs(t, dispatch(context.Background(), []string{"fly"}, &out), errUsage)
}

func TestParseJSONArg(t *testing.T) {
	got, err := parseJSONArg("")
	require.NoError(t, err)
	assert.Nil(t, got)

	got, err = parseJSONArg(`{"name":"Ada","age":36}`)
	require.NoError(t, err)
	assert.Equal(t, "Ada", got["name"])

	p := writeFile(t, t.TempDir(), "input.json", `{"email":"ada@example.com"}`)
	got, err = parseJSONArg("@" + p)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", got["email"])

	_, err = parseJSONArg(`[1,2]`)
	assert.Error(t, err)
	_, err = parseJSONArg("@" + filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestResolveDefinition(t *testing.T) {
	dir := t.TempDir()
	file := writeFile(t, dir, "approve.yaml", approveYAML)

	catalog := workflow.NewDefinitionCatalog()
	def, err := workflow.ParseDefinition([]byte(greetYAML), workflow.FormatYAML, "greet.yaml")
	require.NoError(t, err)
	require.NoError(t, catalog.Add(def))

	got, err := resolveDefinition("greet", catalog)
	require.NoError(t, err)
	assert.Equal(t, "greet", got.Name)

	got, err = resolveDefinition(file, catalog)
	require.NoError(t, err)
	assert.Equal(t, "approve", got.Name)

	_, err = resolveDefinition("nope", catalog)
	assert.Error(t, err)
}

func TestRunValidate(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "greet.yaml", greetYAML)
	writeFile(t, dir, "notes.txt", "ignored")

	var out bytes.Buffer
	require.NoError(t, runValidate([]string{dir}, &out))
	assert.Contains(t, out.String(), "OK")
	assert.Contains(t, out.String(), "greet (2 nodes, 1 edges)")
	assert.NotContains(t, out.String(), "notes.txt")

	cyclic := writeFile(t, t.TempDir(), "loop.yaml", `name: loop
nodes:
  - id: a
    type: start
  - id: b
    type: end
edges:
  - source: a
    target: b
  - source: b
    target: a
`)
	out.Reset()
	err := runValidate([]string{cyclic}, &out)
	require.Error(t, err)
	assert.Contains(t, out.String(), "INVALID")

	assert.ErrorIs(t, runValidate(nil, &out), errUsage)
}

func TestRunHealthCheck(t *testing.T) {
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/ready" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer ok.Close()

	var out bytes.Buffer
	require.NoError(t, runHealthCheck(context.Background(), []string{"--addr", ok.URL}, &out))
	assert.Equal(t, "OK\n", out.String())

	err := runHealthCheck(context.Background(), []string{"--addr", ok.URL, "--ready"}, &out)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "503")
}
