package httpapi

import (
	"github.com/gin-gonic/gin"

	"forge/internal/taskerr"
)

func (r *Router) handleListBgTasks(c *gin.Context) {
	respondOK(c, r.d.Runner.GetAllTasks())
}

func (r *Router) handleRetryBgTask(c *gin.Context) {
	id := c.Param("id")
	var body struct {
		ModifiedPrompt string `json:"modifiedPrompt"`
	}
	_ = c.ShouldBindJSON(&body) // body is optional; ignore malformed/empty payloads

	newID, err := r.d.Runner.Retry(id, body.ModifiedPrompt)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, map[string]any{"taskId": newID})
}

func (r *Router) handleRedoBgTask(c *gin.Context) {
	id := c.Param("id")
	var body struct {
		Feedback string `json:"feedback"`
	}
	if err := c.ShouldBindJSON(&body); err != nil || body.Feedback == "" {
		respondErr(c, &taskerr.ValidationError{Field: "feedback", Message: "feedback is required"})
		return
	}

	newID, err := r.d.Runner.Redo(id, body.Feedback)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, map[string]any{"taskId": newID})
}
