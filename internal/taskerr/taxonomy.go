// Package taskerr defines the error taxonomy surfaced by the scheduler and
// its HTTP boundary. Every error a caller can observe is one of these types;
// none are silently swallowed (see the propagation policy they encode).
package taskerr

import "fmt"

// ValidationError marks a malformed command or missing field caught
// synchronously at a boundary. Maps to HTTP 400.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// AuthError marks a missing or invalid bearer token. Maps to HTTP 401.
type AuthError struct {
	Message string
}

func (e *AuthError) Error() string { return e.Message }

// NotFoundError marks an unknown task or permission id. Maps to HTTP 404, or
// to {ok:false, error:"..."} when the caller is a tool rather than HTTP.
type NotFoundError struct {
	Kind string // "task" | "permission"
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Kind, e.ID)
}

// StateError marks an operation that is not permitted given the task's
// current status (cancel a completed task, redo a running one, ...).
type StateError struct {
	Status string
	Action string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("状态 %s, 无法%s", e.Status, e.Action)
}

// ResourceLimitExceeded marks termination of a task because a configured
// budget (tool calls, steps) was hit. The scheduler never surfaces this as a
// Go exception to callers; it only appears in Task.Error.
type ResourceLimitExceeded struct {
	Limit string
	Value int
}

func (e *ResourceLimitExceeded) Error() string {
	return fmt.Sprintf("%s limit", e.Limit)
}

// IdleTimeout marks termination because no monitored activity was observed
// within the configured idle window. Treated the same as ResourceLimitExceeded:
// recorded on the task, never thrown.
type IdleTimeout struct {
	Seconds int
}

func (e *IdleTimeout) Error() string {
	return fmt.Sprintf("idle timeout: no activity for %ds", e.Seconds)
}

// SubAgentError wraps an exception raised by Agent.Complete or Agent.ChatStream.
type SubAgentError struct {
	Err error
}

func (e *SubAgentError) Error() string { return e.Err.Error() }
func (e *SubAgentError) Unwrap() error { return e.Err }

// SandboxError marks a failure during sandbox disposal. Disposal is
// best-effort: callers log this and continue rather than propagate it.
type SandboxError struct {
	Err error
}

func (e *SandboxError) Error() string { return e.Err.Error() }
func (e *SandboxError) Unwrap() error { return e.Err }

// InjectionError marks a failure while streaming a result back into the
// parent conversation. It is logged and never affects the originating
// task's own status.
type InjectionError struct {
	TaskID string
	Err    error
}

func (e *InjectionError) Error() string {
	return fmt.Sprintf("injection for task %s failed: %v", e.TaskID, e.Err)
}
func (e *InjectionError) Unwrap() error { return e.Err }
