package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/execgate/execgate/internal/allowlist"
	"github.com/execgate/execgate/internal/approval"
	"github.com/execgate/execgate/internal/rules"
	"github.com/execgate/execgate/internal/server"
)

// TestEnvironment wires the real components together behind a test
// HTTP server.
type TestEnvironment struct {
	Service    *approval.Service
	Registry   *approval.Registry
	Rules      *rules.Manager
	Allowlist  *allowlist.Store
	Server     *server.Server
	HTTPServer *httptest.Server
	RulesPath  string
	t          *testing.T
}

// SetupTestEnvironment builds a full environment: sqlite allowlist,
// rules manager, approval service and the HTTP surface.
func SetupTestEnvironment(t *testing.T, timeout time.Duration) *TestEnvironment {
	t.Helper()

	tmpDir := t.TempDir()
	rulesPath := filepath.Join(tmpDir, "gate-rules.json")
	dbPath := filepath.Join(tmpDir, "allowlist.db")

	store, err := allowlist.NewStore(dbPath)
	require.NoError(t, err)

	manager, err := rules.NewManager(rulesPath)
	require.NoError(t, err)

	registry := approval.NewRegistry()
	svc := approval.NewService(registry, timeout)
	svc.SetAllowlist(store)

	srv := server.New(server.Config{
		Port:            0,
		ReadTimeout:     30,
		WriteTimeout:    300,
		ShutdownTimeout: 5,
	}, svc, manager, store)
	svc.SetBroadcaster(srv.Hub())

	httpServer := httptest.NewServer(srv.Handler())

	env := &TestEnvironment{
		Service:    svc,
		Registry:   registry,
		Rules:      manager,
		Allowlist:  store,
		Server:     srv,
		HTTPServer: httpServer,
		RulesPath:  rulesPath,
		t:          t,
	}

	t.Cleanup(func() {
		httpServer.Close()
		srv.Hub().Shutdown()
		registry.Close()
		store.Close()
	})

	return env
}

// WriteRules replaces the rules file and reloads it.
func (e *TestEnvironment) WriteRules(doc string) {
	e.t.Helper()
	require.NoError(e.t, os.WriteFile(e.RulesPath, []byte(doc), 0o644))
	require.NoError(e.t, e.Rules.Reload())
}

// WriteExecutable drops an executable stub into a temp dir and returns
// its absolute path, for allowlist patterns that must resolve.
func (e *TestEnvironment) WriteExecutable(name string) string {
	e.t.Helper()
	path := filepath.Join(e.t.TempDir(), name)
	require.NoError(e.t, os.WriteFile(path, []byte("#!/bin/sh\n"), 0o755))
	return path
}

// BaseURL returns the base URL of the test HTTP server.
func (e *TestEnvironment) BaseURL() string {
	return e.HTTPServer.URL
}

// PostJSON posts a JSON payload and decodes the JSON response into out
// (which may be nil).
func (e *TestEnvironment) PostJSON(path string, payload, out any) int {
	e.t.Helper()

	body, err := json.Marshal(payload)
	require.NoError(e.t, err)

	resp, err := http.Post(e.BaseURL()+path, "application/json", bytes.NewReader(body))
	require.NoError(e.t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// GetJSON fetches a path and decodes the JSON response into out.
func (e *TestEnvironment) GetJSON(path string, out any) int {
	e.t.Helper()

	resp, err := http.Get(e.BaseURL() + path)
	require.NoError(e.t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(e.t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// WaitForPending polls until at least minCount approvals are open.
func (e *TestEnvironment) WaitForPending(minCount int, timeout time.Duration) []approval.Snapshot {
	e.t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			e.t.Fatalf("timeout waiting for %d pending approvals", minCount)
			return nil
		case <-ticker.C:
			pending := e.Service.Pending()
			if len(pending) >= minCount {
				return pending
			}
		}
	}
}

// pendingBody matches the /approvals/pending response shape.
type pendingBody struct {
	Total   int                 `json:"total"`
	Pending []approval.Snapshot `json:"pending"`
}

func commandFor(i int) string {
	return fmt.Sprintf("systemctl restart svc-%d", i)
}
