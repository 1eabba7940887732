package cmd

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/broisnischal/create/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const registryYAML = `frameworks:
  - name: hono
    framework: Hono
    category: backend
    description: Web framework built on Web Standards
    runtimes: [bun, node]
    packageManagers: [bun, npm]
    interactive: false
    default:
      executor:
        bun: bun create
        npm: npm create
      package: hono
`

func testConfig() *config.Config {
	return &config.Config{
		Addr:            "127.0.0.1:0",
		Path:            "/mcp",
		EventStore:      config.EventStoreMemory,
		LogLevel:        "info",
		Metrics:         true,
		Tombstones:      10,
		ShutdownTimeout: time.Second,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestServerHandler_Routes(t *testing.T) {
	s, err := newServer(testConfig(), discardLogger())
	require.NoError(t, err)
	defer s.close()

	h, mux, err := s.handler(context.Background())
	require.NoError(t, err)
	defer func() { _ = h.Close(context.Background()) }()

	srv := httptest.NewServer(mux)
	defer srv.Close()

	res, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(res.Body)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok","sessions":0}`, string(body))

	res, err = http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	body, _ = io.ReadAll(res.Body)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")

	req, err := http.NewRequest(http.MethodOptions, srv.URL+"/mcp", nil)
	require.NoError(t, err)
	res, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = res.Body.Close()
	assert.Equal(t, http.StatusNoContent, res.StatusCode)
}

func TestServerHandler_MetricsDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics = false
	s, err := newServer(cfg, discardLogger())
	require.NoError(t, err)
	defer s.close()

	_, mux, err := s.handler(context.Background())
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestNewServer_RegistryFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frameworks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(registryYAML), 0o644))

	cfg := testConfig()
	cfg.RegistryFile = path
	s, err := newServer(cfg, discardLogger())
	require.NoError(t, err)
	defer s.close()

	assert.Equal(t, 1, s.registry.Len())
	assert.Len(t, s.tools.Snapshot(), 5)
}

func TestNewServer_BadRegistryFile(t *testing.T) {
	cfg := testConfig()
	cfg.RegistryFile = filepath.Join(t.TempDir(), "missing.yaml")
	_, err := newServer(cfg, discardLogger())
	require.Error(t, err)
}

func TestServe_ShutsDownOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, testConfig(), false, discardLogger()) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("serve did not shut down")
	}
}

func TestApplyServeFlags(t *testing.T) {
	cfg := testConfig()
	require.NoError(t, serveCmd.Flags().Set("addr", ":9999"))
	require.NoError(t, serveCmd.Flags().Set("event-store", "redis"))
	t.Cleanup(func() {
		serveFlags.addr, serveFlags.eventStore = "", ""
		serveCmd.Flags().Lookup("addr").Changed = false
		serveCmd.Flags().Lookup("event-store").Changed = false
	})

	applyServeFlags(serveCmd, cfg)
	assert.Equal(t, ":9999", cfg.Addr)
	assert.Equal(t, "redis", cfg.EventStore)
	assert.Equal(t, "/mcp", cfg.Path, "unset flags keep the config value")
}

func TestFrameworksCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "frameworks.yaml")
	require.NoError(t, os.WriteFile(path, []byte(registryYAML), 0o644))

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"frameworks", "--registry", path})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
		frameworksFlags.registry = ""
	})

	require.NoError(t, rootCmd.Execute())
	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)
	assert.True(t, strings.HasPrefix(lines[0], "NAME"))
	assert.Contains(t, lines[1], "hono")
	assert.Contains(t, lines[1], "bun,npm")
}

func TestVersionCommand(t *testing.T) {
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"version"})
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetArgs(nil)
	})

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, out.String(), "create-mcp "+Version)
}
