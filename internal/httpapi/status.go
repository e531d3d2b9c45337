package httpapi

import (
	"strconv"

	"github.com/gin-gonic/gin"

	"forge/internal/approval"
	"forge/internal/taskerr"
)

// buildStatus composes the snapshot GET /api/status and /status return:
// active tasks, progress heartbeats, and pending approvals.
func (r *Router) buildStatus() map[string]any {
	return map[string]any{
		"activeTasks":      r.d.Runner.GetActiveTasks(),
		"progress":         r.d.Tracker.Snapshot(),
		"pendingApprovals": r.d.Approvals.List(),
	}
}

func (r *Router) handleStatus(c *gin.Context) {
	respondOK(c, r.buildStatus())
}

func (r *Router) handleHistory(c *gin.Context) {
	n := 0
	if q := c.Query("n"); q != "" {
		parsed, err := strconv.Atoi(q)
		if err != nil || parsed < 0 {
			respondErr(c, &taskerr.ValidationError{Field: "n", Message: "n must be a non-negative integer"})
			return
		}
		n = parsed
	}
	respondOK(c, r.d.Transcript.Recent(n))
}

func (r *Router) handleApproval(c *gin.Context) {
	var body struct {
		PermissionID string `json:"permissionId"`
		Decision     string `json:"decision"`
		Note         string `json:"note"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.PermissionID == "" {
		respondErr(c, &taskerr.ValidationError{Field: "permissionId", Message: "invalid request body"})
		return
	}

	var decision approval.Decision
	switch body.Decision {
	case string(approval.DecisionAllow):
		decision = approval.DecisionAllow
	case string(approval.DecisionDeny):
		decision = approval.DecisionDeny
	default:
		respondErr(c, &taskerr.ValidationError{Field: "decision", Message: "decision must be allow or deny"})
		return
	}

	if !r.d.Approvals.Decide(body.PermissionID, decision, body.Note) {
		respondErr(c, &taskerr.NotFoundError{Kind: "permission", ID: body.PermissionID})
		return
	}
	respondOK(c, map[string]any{"permissionId": body.PermissionID, "decision": body.Decision})
}

func (r *Router) handleSandboxDispose(c *gin.Context) {
	var body struct {
		TaskID string `json:"taskId"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.TaskID == "" {
		respondErr(c, &taskerr.ValidationError{Field: "taskId", Message: "invalid request body"})
		return
	}
	if !r.d.Runner.DisposeSandbox(body.TaskID) {
		respondErr(c, &taskerr.NotFoundError{Kind: "task", ID: body.TaskID})
		return
	}
	respondOK(c, map[string]any{"taskId": body.TaskID, "disposed": true})
}

func (r *Router) handleEvents(c *gin.Context) {
	r.d.Bus.ServeHTTP(c.Writer, c.Request)
}
