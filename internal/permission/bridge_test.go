package permission

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/agentport"
	"forge/internal/approval"
	"forge/internal/corelog"
	"forge/internal/ssebus"
)

func newRequest(sandboxKind, toolName string, input any) (*agentport.PermissionRequest, chan agentport.Decision) {
	decided := make(chan agentport.Decision, 1)
	return &agentport.PermissionRequest{
		ToolName:    toolName,
		ToolInput:   input,
		SandboxKind: sandboxKind,
		Respond: func(decision agentport.Decision, note string) {
			decided <- decision
		},
	}, decided
}

func TestHandle_RemoteSandboxAutoAllows(t *testing.T) {
	approvals := approval.New(corelog.Nop())
	bus := ssebus.New(corelog.Nop())
	b := New(approvals, bus)

	req, decided := newRequest("remote", "shell", "ls")
	b.Handle(req)

	select {
	case d := <-decided:
		assert.Equal(t, agentport.DecisionAllow, d)
	case <-time.After(time.Second):
		t.Fatal("remote sandbox request was never auto-allowed")
	}
	assert.Empty(t, approvals.List())
}

func TestHandle_IsolatedSandboxAutoAllows(t *testing.T) {
	approvals := approval.New(corelog.Nop())
	bus := ssebus.New(corelog.Nop())
	b := New(approvals, bus)

	req, decided := newRequest("isolated", "bash", "pwd")
	b.Handle(req)

	assert.Equal(t, agentport.DecisionAllow, <-decided)
}

func TestHandle_SafeShellCommandOnLocalSandboxAutoAllows(t *testing.T) {
	approvals := approval.New(corelog.Nop())
	bus := ssebus.New(corelog.Nop())
	b := New(approvals, bus)

	req, decided := newRequest("local", "bash", "git status")
	b.Handle(req)

	assert.Equal(t, agentport.DecisionAllow, <-decided)
	assert.Empty(t, approvals.List())
}

func TestHandle_UnsafeShellCommandBecomesPendingApproval(t *testing.T) {
	approvals := approval.New(corelog.Nop())
	bus := ssebus.New(corelog.Nop())
	b := New(approvals, bus)

	events, cancel := bus.Subscribe()
	defer cancel()

	req, decided := newRequest("local", "bash", "rm -rf /")
	b.Handle(req)

	select {
	case ev := <-events:
		assert.Equal(t, ssebus.EventApprovalNeeded, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no approval_needed event broadcast")
	}

	pending := approvals.List()
	require.Len(t, pending, 1)

	require.True(t, approvals.Decide(pending[0].PermissionID, approval.DecisionDeny, "no"))
	assert.Equal(t, agentport.DecisionDeny, <-decided)
}

func TestHandle_NonShellToolOnLocalSandboxBecomesPendingApproval(t *testing.T) {
	approvals := approval.New(corelog.Nop())
	bus := ssebus.New(corelog.Nop())
	b := New(approvals, bus)

	req, decided := newRequest("local", "write_file", map[string]any{"path": "a.txt"})
	b.Handle(req)

	pending := approvals.List()
	require.Len(t, pending, 1)
	assert.Equal(t, "write_file", pending[0].ToolName)

	require.True(t, approvals.Decide(pending[0].PermissionID, approval.DecisionAllow, ""))
	assert.Equal(t, agentport.DecisionAllow, <-decided)
}
