// Package permission wires a sub-agent's permission_required monitor
// events into either an auto-allow decision or a human-in-the-loop
// approval, without ever blocking the scheduler goroutine that observed
// the event.
package permission

import (
	"forge/internal/agentport"
	"forge/internal/approval"
	"forge/internal/ids"
	"forge/internal/safecommand"
	"forge/internal/ssebus"
)

// ShellToolNames lists the tool names the bridge treats as shell-exec for
// the purpose of the SafeCommandPolicy check. Configuration data, matches
// §4.5 step 2.
var ShellToolNames = map[string]bool{
	"shell":       true,
	"bash":        true,
	"exec":        true,
	"run_command": true,
}

// Bridge enforces the three-step permission policy from the component
// design: remote/isolated sandboxes auto-allow, safe shell commands
// auto-allow, everything else becomes a pending approval surfaced over SSE.
type Bridge struct {
	approvals *approval.Manager
	bus       *ssebus.Bus
}

// New constructs a Bridge over the given approval registry and event bus.
func New(approvals *approval.Manager, bus *ssebus.Bus) *Bridge {
	return &Bridge{approvals: approvals, bus: bus}
}

// Handle is installed as a sub-agent's onPermission callback. It never
// blocks: it either calls req.Respond synchronously (auto-allow) or
// registers the request and returns.
func (b *Bridge) Handle(req *agentport.PermissionRequest) {
	if req.SandboxKind == "remote" || req.SandboxKind == "isolated" {
		req.Respond(agentport.DecisionAllow, "auto-allowed: remote/isolated sandbox")
		return
	}

	if ShellToolNames[req.ToolName] && safecommand.IsSafe(req.ToolInput) {
		req.Respond(agentport.DecisionAllow, "auto-allowed: matches safe command policy")
		return
	}

	permissionID := ids.NewPermissionID()
	b.approvals.Register(permissionID, req.ToolName, req.ToolInput, func(decision approval.Decision, note string) {
		switch decision {
		case approval.DecisionAllow:
			req.Respond(agentport.DecisionAllow, note)
		default:
			req.Respond(agentport.DecisionDeny, note)
		}
	})

	b.bus.Send(ssebus.Event{
		Type: ssebus.EventApprovalNeeded,
		Data: map[string]any{
			"permissionId": permissionID,
			"toolName":     req.ToolName,
			"preview":      req.ToolInput,
		},
	})
}
