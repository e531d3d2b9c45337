package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"forge/internal/agentport"
	"forge/internal/approval"
	"forge/internal/command"
	"forge/internal/ssebus"
	"forge/internal/taskerr"
	"forge/internal/transcript"
)

// handleChat is POST /api/chat. A slash-command message is dispatched
// exactly like POST /api/command and answered with one JSON envelope; a
// free-form message streams the orchestrator's reply back as SSE for the
// lifetime of this request — the "upgrades to SSE" behavior named in the
// HTTP surface.
func (r *Router) handleChat(c *gin.Context) {
	var body struct {
		Message string `json:"message"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondErr(c, &taskerr.ValidationError{Field: "message", Message: "invalid request body"})
		return
	}
	msg := strings.TrimSpace(body.Message)
	if msg == "" {
		respondErr(c, &taskerr.ValidationError{Field: "message", Message: "message is required"})
		return
	}

	if command.IsSlash(msg) {
		r.dispatchCommand(c, msg)
		return
	}

	r.streamChat(c, msg)
}

// handleCommand is POST /api/command: always a slash command, always
// answered with one JSON envelope.
func (r *Router) handleCommand(c *gin.Context) {
	var body struct {
		Command string `json:"command"`
	}
	if err := c.ShouldBindJSON(&body); err != nil {
		respondErr(c, &taskerr.ValidationError{Field: "command", Message: "invalid request body"})
		return
	}
	if strings.TrimSpace(body.Command) == "" {
		respondErr(c, &taskerr.ValidationError{Field: "command", Message: "command is required"})
		return
	}
	r.dispatchCommand(c, body.Command)
}

func (r *Router) dispatchCommand(c *gin.Context, raw string) {
	cmd, err := command.Parse(raw)
	if err != nil {
		respondErr(c, err)
		return
	}
	data, err := r.executeCommand(cmd)
	if err != nil {
		respondErr(c, err)
		return
	}
	respondOK(c, data)
}

func (r *Router) executeCommand(cmd command.Command) (any, error) {
	switch cmd.Kind {
	case command.KindConfirm:
		if !r.d.Approvals.Decide(cmd.PermissionID, approval.DecisionAllow, "") {
			return nil, &taskerr.NotFoundError{Kind: "permission", ID: cmd.PermissionID}
		}
		return map[string]any{"permissionId": cmd.PermissionID, "decision": "allow"}, nil

	case command.KindCancel:
		if !r.d.Approvals.Decide(cmd.PermissionID, approval.DecisionDeny, "") {
			return nil, &taskerr.NotFoundError{Kind: "permission", ID: cmd.PermissionID}
		}
		return map[string]any{"permissionId": cmd.PermissionID, "decision": "deny"}, nil

	case command.KindStatus:
		return r.buildStatus(), nil

	case command.KindHistory:
		return r.d.Transcript.Recent(cmd.HistoryLimit), nil

	case command.KindRetry:
		newID, err := r.d.Runner.Retry(cmd.TaskID, "")
		if err != nil {
			return nil, err
		}
		return map[string]any{"taskId": newID}, nil

	case command.KindRedo:
		newID, err := r.d.Runner.Redo(cmd.TaskID, cmd.Feedback)
		if err != nil {
			return nil, err
		}
		return map[string]any{"taskId": newID}, nil

	case command.KindHelp:
		return map[string]any{"help": command.Help}, nil

	default:
		return nil, &taskerr.ValidationError{Field: "command", Message: "unrecognized command"}
	}
}

// streamChat acquires the chatlock, drives one ChatStream turn against the
// orchestrator agent, and forwards every envelope to this request's own
// SSE response as it arrives.
func (r *Router) streamChat(c *gin.Context, msg string) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		respondErr(c, fmt.Errorf("streaming unsupported"))
		return
	}

	r.d.Transcript.Append(transcript.RoleUser, msg)

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Status(http.StatusOK)
	flusher.Flush()

	ctx := c.Request.Context()
	var reply strings.Builder

	err := r.d.Lock.WithLock(ctx, func() error {
		if r.d.Parent == nil {
			return fmt.Errorf("no parent agent wired")
		}
		stream, err := r.d.Parent.ChatStream(ctx, msg)
		if err != nil {
			return err
		}
		for envelope := range stream {
			writeSSEEnvelope(c.Writer, flusher, envelope, &reply)
		}
		return nil
	})

	if err != nil {
		r.d.Logger.Error("chat turn failed: %v", err)
		writeSSEEvent(c.Writer, flusher, ssebus.Event{Type: ssebus.EventError, Data: map[string]any{"error": err.Error()}})
		return
	}
	if reply.Len() > 0 {
		r.d.Transcript.Append(transcript.RoleAssistant, reply.String())
	}
}

// writeSSEEnvelope maps one ChatStream envelope onto the public SSE
// envelope shape (§6.3) and writes it, accumulating assistant text into
// reply for the transcript.
func writeSSEEnvelope(w http.ResponseWriter, flusher http.Flusher, env agentport.Envelope, reply *strings.Builder) {
	var ev ssebus.Event
	switch env.Type {
	case agentport.EventTextChunk, agentport.EventTextChunkStart:
		reply.WriteString(env.Text.Delta)
		ev = ssebus.Event{Type: ssebus.EventText, Data: map[string]any{"delta": env.Text.Delta}}
	case agentport.EventThinkChunk, agentport.EventThinkChunkStart:
		ev = ssebus.Event{Type: ssebus.EventThinking, Data: map[string]any{"delta": env.Text.Delta}}
	case agentport.EventToolStart:
		ev = ssebus.Event{Type: ssebus.EventToolStart, Data: map[string]any{"call": env.Tool.Call}}
	case agentport.EventToolEnd:
		ev = ssebus.Event{Type: ssebus.EventToolEnd, Data: map[string]any{"call": env.Tool.Call}}
	case agentport.EventToolError:
		ev = ssebus.Event{Type: ssebus.EventToolError, Data: map[string]any{"call": env.Tool.Call, "error": env.Tool.Error}}
	case agentport.EventDone:
		ev = ssebus.Event{Type: ssebus.EventDone, Data: map[string]any{"reason": env.Done.Reason}}
	default:
		return
	}
	writeSSEEvent(w, flusher, ev)
}

func writeSSEEvent(w http.ResponseWriter, flusher http.Flusher, ev ssebus.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", data)
	flusher.Flush()
}
