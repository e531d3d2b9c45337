// Package ids generates opaque identifiers for tasks and injection
// correlation, and propagates them through context.Context so a task's
// causal chain (session -> run -> sub-run) survives crossing goroutine
// boundaries.
package ids

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/segmentio/ksuid"
)

// NewTaskID returns a lexicographically sortable, prefixed task identifier.
func NewTaskID() string {
	return fmt.Sprintf("task-%s", ksuid.New().String())
}

// NewRunID returns a fresh identifier for one sub-agent execution attempt.
func NewRunID() string {
	return fmt.Sprintf("run-%s", ksuid.New().String())
}

// NewPermissionID returns a fresh identifier for a pending approval request.
func NewPermissionID() string {
	v7, err := uuid.NewV7()
	if err != nil {
		return fmt.Sprintf("perm-%s", ksuid.New().String())
	}
	return fmt.Sprintf("perm-%s", v7.String())
}

type contextKey string

const (
	sessionKey     contextKey = "forge_session_id"
	taskKey        contextKey = "forge_task_id"
	causationKey   contextKey = "forge_causation_id"
	correlationKey contextKey = "forge_correlation_id"
)

// IDs captures the identifiers propagated across a task's execution.
type IDs struct {
	SessionID     string
	TaskID        string
	CausationID   string
	CorrelationID string
}

// WithSessionID attaches the owning conversation's session id to ctx.
func WithSessionID(ctx context.Context, sessionID string) context.Context {
	if sessionID == "" {
		return ctx
	}
	return context.WithValue(ctx, sessionKey, sessionID)
}

// WithTaskID attaches the dispatched task's id to ctx.
func WithTaskID(ctx context.Context, taskID string) context.Context {
	if taskID == "" {
		return ctx
	}
	return context.WithValue(ctx, taskKey, taskID)
}

// WithCausationID attaches the tool-call id that caused this task to ctx.
func WithCausationID(ctx context.Context, causationID string) context.Context {
	if causationID == "" {
		return ctx
	}
	return context.WithValue(ctx, causationKey, causationID)
}

// WithCorrelationID attaches a correlation id that spans an entire dispatch
// chain (dependency graphs, retries, redos) to ctx.
func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	if correlationID == "" {
		return ctx
	}
	return context.WithValue(ctx, correlationKey, correlationID)
}

// FromContext reads back every identifier set on ctx, defaulting to the
// empty string for anything that was never attached.
func FromContext(ctx context.Context) IDs {
	get := func(key contextKey) string {
		if v, ok := ctx.Value(key).(string); ok {
			return v
		}
		return ""
	}
	return IDs{
		SessionID:     get(sessionKey),
		TaskID:        get(taskKey),
		CausationID:   get(causationKey),
		CorrelationID: get(correlationKey),
	}
}
