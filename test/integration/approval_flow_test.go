package integration

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/execgate/execgate/internal/approval"
)

// TestApprovalFlowE2E walks the two-phase protocol end to end over
// HTTP: request, see it pending, wait from a second client, resolve,
// then read the terminal record back during the grace period.
func TestApprovalFlowE2E(t *testing.T) {
	env := SetupTestEnvironment(t, 30*time.Second)

	var acc approval.Accepted
	code := env.PostJSON("/approvals/request", map[string]any{
		"command":   "rm -rf /var/lib/old-release",
		"cwd":       "/srv",
		"agent_id":  "deploy-bot",
		"two_phase": true,
	}, &acc)
	require.Equal(t, http.StatusAccepted, code)
	require.NotEmpty(t, acc.ID)

	t.Run("visible_in_pending", func(t *testing.T) {
		var body pendingBody
		require.Equal(t, http.StatusOK, env.GetJSON("/approvals/pending", &body))
		require.Equal(t, 1, body.Total)
		assert.Equal(t, acc.ID, body.Pending[0].ID)
		assert.Equal(t, approval.StatusPending, body.Pending[0].Status)
	})

	// Second client blocks on the decision while we resolve.
	waitResult := make(chan approval.Result, 1)
	go func() {
		var result approval.Result
		env.GetJSON("/approvals/"+acc.ID+"/wait", &result)
		waitResult <- result
	}()

	env.WaitForPending(1, time.Second)
	time.Sleep(50 * time.Millisecond) // let the waiter attach

	t.Run("resolve_by_short_prefix", func(t *testing.T) {
		var resolved map[string]any
		code := env.PostJSON("/approvals/"+acc.ID[:8]+"/resolve", map[string]any{
			"decision":    "allow-once",
			"resolved_by": "ops@example.com",
		}, &resolved)
		require.Equal(t, http.StatusOK, code)
		assert.Equal(t, acc.ID, resolved["id"])
	})

	t.Run("waiter_observes_decision", func(t *testing.T) {
		select {
		case result := <-waitResult:
			require.NotNil(t, result.Decision)
			assert.Equal(t, approval.DecisionAllowOnce, *result.Decision)
		case <-time.After(5 * time.Second):
			t.Fatal("waiter never observed the decision")
		}
	})

	t.Run("terminal_record_readable_in_grace", func(t *testing.T) {
		var snap approval.Snapshot
		require.Equal(t, http.StatusOK, env.GetJSON("/approvals/"+acc.ID, &snap))
		assert.Equal(t, approval.StatusResolved, snap.Status)
		assert.Equal(t, "ops@example.com", snap.ResolvedBy)
	})

	t.Run("second_resolve_rejected", func(t *testing.T) {
		code := env.PostJSON("/approvals/"+acc.ID+"/resolve", map[string]any{
			"decision": "deny",
		}, nil)
		assert.Equal(t, http.StatusNotFound, code)
	})
}

// TestSinglePhaseTimeout verifies an unanswered single-phase request
// comes back with decision null rather than an error.
func TestSinglePhaseTimeout(t *testing.T) {
	env := SetupTestEnvironment(t, 30*time.Second)

	start := time.Now()
	var result approval.Result
	code := env.PostJSON("/approvals/request", map[string]any{
		"command":    "dd if=/dev/zero of=/dev/sda",
		"timeout_ms": 200,
	}, &result)
	elapsed := time.Since(start)

	require.Equal(t, http.StatusOK, code)
	assert.Nil(t, result.Decision)
	assert.Less(t, elapsed, 5*time.Second)
}

// TestAllowAlwaysFeedsGate checks the full loop: an allow-always
// decision lands in the allowlist and flips the gate verdict for the
// same binary.
func TestAllowAlwaysFeedsGate(t *testing.T) {
	env := SetupTestEnvironment(t, 30*time.Second)
	env.WriteRules(`{"version":1,"defaults":{"security":"allowlist","ask":"on-miss"}}`)

	bin := env.WriteExecutable("deploy")
	command := bin + " --env staging"

	t.Run("gate_asks_before_approval", func(t *testing.T) {
		var verdict struct {
			Allowed          bool `json:"allowed"`
			RequiresApproval bool `json:"requires_approval"`
		}
		code := env.PostJSON("/gate/check", map[string]any{
			"command":  command,
			"agent_id": "agent-1",
		}, &verdict)
		require.Equal(t, http.StatusOK, code)
		assert.False(t, verdict.Allowed)
		assert.True(t, verdict.RequiresApproval)
	})

	var acc approval.Accepted
	code := env.PostJSON("/approvals/request", map[string]any{
		"command":       command,
		"agent_id":      "agent-1",
		"resolved_path": bin,
		"two_phase":     true,
	}, &acc)
	require.Equal(t, http.StatusAccepted, code)

	code = env.PostJSON("/approvals/"+acc.ID+"/resolve", map[string]any{
		"decision":    "allow-always",
		"resolved_by": "ops",
	}, nil)
	require.Equal(t, http.StatusOK, code)

	t.Run("pattern_recorded", func(t *testing.T) {
		patterns, err := env.Allowlist.Patterns(context.Background(), "agent-1")
		require.NoError(t, err)
		assert.Contains(t, patterns, bin)
	})

	t.Run("gate_now_allows", func(t *testing.T) {
		var verdict struct {
			Allowed          bool `json:"allowed"`
			RequiresApproval bool `json:"requires_approval"`
		}
		code := env.PostJSON("/gate/check", map[string]any{
			"command":  command,
			"agent_id": "agent-1",
		}, &verdict)
		require.Equal(t, http.StatusOK, code)
		assert.True(t, verdict.Allowed)
		assert.False(t, verdict.RequiresApproval)
	})
}

// TestObserverStream verifies websocket observers get the pending
// snapshot on connect and live request/resolve events afterwards.
func TestObserverStream(t *testing.T) {
	env := SetupTestEnvironment(t, 30*time.Second)

	wsURL := strings.Replace(env.BaseURL(), "http://", "ws://", 1) + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var initial struct {
		Type string `json:"type"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&initial))
	assert.Equal(t, "exec.approval.pending", initial.Type)

	var acc approval.Accepted
	code := env.PostJSON("/approvals/request", map[string]any{
		"command":   "kubectl delete ns staging",
		"two_phase": true,
	}, &acc)
	require.Equal(t, http.StatusAccepted, code)

	var requested struct {
		Type  string                  `json:"type"`
		Event approval.RequestedEvent `json:"event"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&requested))
	assert.Equal(t, "exec.approval.requested", requested.Type)
	assert.Equal(t, acc.ID, requested.Event.ID)

	code = env.PostJSON("/approvals/"+acc.ID+"/resolve", map[string]any{"decision": "deny"}, nil)
	require.Equal(t, http.StatusOK, code)

	var resolved struct {
		Type  string                 `json:"type"`
		Event approval.ResolvedEvent `json:"event"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&resolved))
	assert.Equal(t, "exec.approval.resolved", resolved.Type)
	require.NotNil(t, resolved.Event.Decision)
	assert.Equal(t, approval.DecisionDeny, *resolved.Event.Decision)
}
