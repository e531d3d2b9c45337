package bgtask

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"forge/internal/asyncutil"
	"forge/internal/injection"
	"forge/internal/taskerr"
)

// sandboxPreviewRe matches the literal marker a sub-agent's final text may
// embed to publish a preview URL (§ keep-alive and sandbox preview).
var sandboxPreviewRe = regexp.MustCompile(`\[sandbox-preview\]\(([^)]+)\)`)

// failTask marks a task failed and records it. It never touches the
// task's agent or sandbox: those are owned by runTask, which only calls
// failTask after Complete has already returned, and disposes resources
// itself immediately afterward via finishTask.
func (r *Runner) failTask(taskID, errText string) {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok || t.isTerminal() {
		r.mu.Unlock()
		return
	}
	t.Status = StatusFailed
	t.Error = errText
	duration := time.Since(t.StartTime)
	r.mu.Unlock()

	r.enqueueTermination(t, injection.ItemTaskFailed)
	r.metrics.IncTasksCompleted(string(StatusFailed))
	r.metrics.ObserveTaskDuration(string(StatusFailed), duration)
}

// completeTask finalizes a task as completed: it parses the sandbox-preview
// marker (B3/B4), enters the two keep-alive windows, and enqueues the
// task_result injection.
func (r *Runner) completeTask(taskID, result string) {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok || t.isTerminal() {
		r.mu.Unlock()
		return
	}
	t.Status = StatusCompleted
	t.Result = result
	t.AgentAlive = true
	duration := time.Since(t.StartTime)

	previewURL, hasPreview := parseSandboxPreview(result)
	if hasPreview {
		t.SandboxURL = previewURL
		t.SandboxAlive = true
	}
	r.mu.Unlock()

	r.stopIdleTimer(taskID)

	if hasPreview {
		r.startSandboxKeeper(taskID)
	} else {
		r.disposeSandboxInternal(taskID)
	}
	r.startAgentKeeper(taskID)

	r.enqueueTermination(t, injection.ItemTaskResult)
	r.metrics.IncTasksCompleted(string(StatusCompleted))
	r.metrics.ObserveTaskDuration(string(StatusCompleted), duration)
}

// parseSandboxPreview extracts the preview URL from a sub-agent's final
// text, rejecting a localhost URL per B4.
func parseSandboxPreview(text string) (string, bool) {
	m := sandboxPreviewRe.FindStringSubmatch(text)
	if m == nil {
		return "", false
	}
	url := strings.TrimSpace(m[1])
	if strings.HasPrefix(url, "http://localhost") || strings.HasPrefix(url, "https://localhost") || strings.HasPrefix(url, "localhost") {
		return "", false
	}
	return url, true
}

// finishTask disposes whatever resources a terminated-without-running (or
// cascade-cancelled) task may hold and clears its bookkeeping. Used by the
// cancel paths, which do not flow through completeTask/failTask, and by
// runTask right after failTask on its failure paths.
func (r *Runner) finishTask(taskID string) {
	r.stopIdleTimer(taskID)
	r.disposeSandboxInternal(taskID)
	r.disposeAgentInternal(taskID)

	r.mu.Lock()
	delete(r.pendingMessages, taskID)
	r.mu.Unlock()
}

// recordCancelled records the terminal metrics for a cancelled task. Split
// out from finishTask so callers that already recorded a different
// terminal status (failTask's caller) don't double-count.
func (r *Runner) recordCancelled(t *Task) {
	var duration time.Duration
	if !t.StartTime.IsZero() {
		duration = time.Since(t.StartTime)
	}
	r.metrics.IncTasksCompleted(string(StatusCancelled))
	r.metrics.ObserveTaskDuration(string(StatusCancelled), duration)
}

func (r *Runner) disposeSandboxInternal(taskID string) {
	r.mu.Lock()
	sandbox, ok := r.sandboxes[taskID]
	if ok {
		delete(r.sandboxes, taskID)
	}
	if keeper, hasKeeper := r.sandboxKeepers[taskID]; hasKeeper {
		keeper.Stop()
		delete(r.sandboxKeepers, taskID)
	}
	if t, exists := r.tasks[taskID]; exists {
		t.SandboxAlive = false
	}
	r.mu.Unlock()

	if ok && sandbox != nil {
		if err := sandbox.Dispose(context.Background()); err != nil {
			r.logger.Warn("task %s: sandbox dispose: %v", taskID, err)
		}
	}
}

func (r *Runner) disposeAgentInternal(taskID string) {
	r.mu.Lock()
	agent, ok := r.agents[taskID]
	if ok {
		delete(r.agents, taskID)
	}
	if keeper, hasKeeper := r.agentKeepers[taskID]; hasKeeper {
		keeper.Stop()
		delete(r.agentKeepers, taskID)
	}
	if t, exists := r.tasks[taskID]; exists {
		t.AgentAlive = false
	}
	r.mu.Unlock()

	if !ok || agent == nil {
		return
	}
	if disposer, isDisposer := agent.(interface{ Dispose(context.Context) error }); isDisposer {
		if err := disposer.Dispose(context.Background()); err != nil {
			r.logger.Warn("task %s: agent dispose: %v", taskID, err)
		}
	}
}

func (r *Runner) startSandboxKeeper(taskID string) {
	keepAlive := r.cfg.SandboxKeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Minute
	}
	timer := time.AfterFunc(keepAlive, func() { r.disposeSandboxInternal(taskID) })

	r.mu.Lock()
	if old, ok := r.sandboxKeepers[taskID]; ok {
		old.Stop()
	}
	r.sandboxKeepers[taskID] = timer
	r.mu.Unlock()
}

func (r *Runner) startAgentKeeper(taskID string) {
	keepAlive := r.cfg.AgentKeepAlive
	if keepAlive <= 0 {
		keepAlive = 30 * time.Minute
	}
	timer := time.AfterFunc(keepAlive, func() { r.disposeAgentInternal(taskID) })

	r.mu.Lock()
	if old, ok := r.agentKeepers[taskID]; ok {
		old.Stop()
	}
	r.agentKeepers[taskID] = timer
	r.mu.Unlock()
}

// DisposeSandbox tears down a task's sandbox ahead of its keep-alive window
// expiring. Idempotent (I5): a second call is a harmless no-op.
func (r *Runner) DisposeSandbox(taskID string) bool {
	r.mu.Lock()
	_, ok := r.tasks[taskID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.disposeSandboxInternal(taskID)
	return true
}

// DisposeAgent tears down a task's kept-alive agent ahead of schedule.
// Idempotent (I6): a second call is a harmless no-op.
func (r *Runner) DisposeAgent(taskID string) bool {
	r.mu.Lock()
	_, ok := r.tasks[taskID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	r.disposeAgentInternal(taskID)
	return true
}

// ChatAsync re-enters a completed task's kept-alive agent with a follow-up
// message. It launches the turn in the background and returns immediately;
// the agent's reply arrives as a chat_result/chat_failed injection. Status
// never leaves StatusCompleted during a chat re-entry (spec Open Question a);
// ChatInFlight is the field observers should read instead.
func (r *Runner) ChatAsync(taskID, message string) (bool, error) {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return false, &taskerr.NotFoundError{Kind: "task", ID: taskID}
	}
	if !t.AgentAlive {
		r.mu.Unlock()
		return false, &taskerr.StateError{Status: string(t.Status), Action: "chat (agent not kept alive)"}
	}
	agent := r.agents[taskID]
	t.ChatInFlight = true
	r.mu.Unlock()

	r.startAgentKeeper(taskID)

	asyncutil.Go(r.logger, "chatasync:"+taskID, func() {
		defer func() {
			r.mu.Lock()
			if tt, exists := r.tasks[taskID]; exists {
				tt.ChatInFlight = false
			}
			r.mu.Unlock()
		}()

		ctx := context.Background()
		result, err := agent.Complete(ctx, message)
		if err != nil {
			r.injectionQ.Enqueue(injection.Item{
				Message: injection.ChatFailedMessage(taskID, err.Error()),
				TaskID:  taskID,
				Type:    injection.ItemChatFailed,
			})
			return
		}
		// A successful re-entry restarts the keep-alive window from the
		// moment the chat finished.
		r.startAgentKeeper(taskID)
		r.injectionQ.Enqueue(injection.Item{
			Message: injection.ChatResultMessage(taskID, result.Text, r.cfg.InjectionTruncateLen),
			TaskID:  taskID,
			Type:    injection.ItemChatResult,
		})
	})

	return true, nil
}

// Retry creates a fresh task from a failed or cancelled one, optionally
// overriding its prompt. Lineage fields (priority, limits, skills,
// dependsOn, workspaceMode) are inherited.
func (r *Runner) Retry(taskID, modifiedPrompt string) (string, error) {
	r.mu.Lock()
	prev, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return "", &taskerr.NotFoundError{Kind: "task", ID: taskID}
	}
	if prev.Status != StatusFailed && prev.Status != StatusCancelled {
		r.mu.Unlock()
		return "", &taskerr.StateError{Status: string(prev.Status), Action: "重试 (retry)"}
	}
	prompt := prev.Prompt
	if modifiedPrompt != "" {
		prompt = modifiedPrompt
	}
	description := fmt.Sprintf("%s (retry #%d)", prev.Description, prev.RetryCount+1)
	opts := StartOptions{
		Priority:       prev.Priority,
		Skills:         append([]string(nil), prev.Skills...),
		Limits:         prev.ResourceLimits,
		DependsOn:      append([]string(nil), prev.DependsOn...),
		WorkspaceMode:  prev.WorkspaceMode,
		FileScope:      append([]string(nil), prev.FileScope...),
		InheritContext: prev.InheritContext,
		ParentSummary:  prev.ParentSummary,
	}
	templateID := prev.TemplateID
	retryCount := prev.RetryCount + 1
	r.mu.Unlock()

	newID, err := r.Start(templateID, prompt, description, opts)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	if nt, exists := r.tasks[newID]; exists {
		nt.RetryCount = retryCount
	}
	r.mu.Unlock()
	return newID, nil
}

// Redo creates a fresh task from a completed one, composing the new prompt
// from the original prompt, the rejection marker, the feedback, and a
// truncated copy of the previous result.
func (r *Runner) Redo(taskID, feedback string) (string, error) {
	r.mu.Lock()
	prev, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return "", &taskerr.NotFoundError{Kind: "task", ID: taskID}
	}
	if prev.Status != StatusCompleted {
		r.mu.Unlock()
		return "", &taskerr.StateError{Status: string(prev.Status), Action: "重做 (redo)"}
	}
	truncated, note := truncateRedo(prev.Result, r.cfg.RedoTruncateLen)
	prompt := fmt.Sprintf("%s\n\n[previous result was rejected]\n%s\n\n[previous result]\n%s%s", prev.Prompt, feedback, truncated, note)
	redoHistory := append(append([]string(nil), prev.RedoHistory...), feedback)
	description := fmt.Sprintf("%s (redo #%d)", prev.Description, len(prev.RedoHistory)+1)
	opts := StartOptions{
		Priority:       prev.Priority,
		Skills:         append([]string(nil), prev.Skills...),
		Limits:         prev.ResourceLimits,
		DependsOn:      append([]string(nil), prev.DependsOn...),
		WorkspaceMode:  prev.WorkspaceMode,
		FileScope:      append([]string(nil), prev.FileScope...),
		InheritContext: prev.InheritContext,
		ParentSummary:  prev.ParentSummary,
	}
	templateID := prev.TemplateID
	r.mu.Unlock()

	newID, err := r.Start(templateID, prompt, description, opts)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	if nt, exists := r.tasks[newID]; exists {
		nt.RedoHistory = redoHistory
	}
	r.mu.Unlock()
	return newID, nil
}

func truncateRedo(s string, n int) (string, string) {
	runes := []rune(s)
	if len(runes) <= n {
		return s, ""
	}
	return string(runes[:n]), fmt.Sprintf("\n...[truncated, %d more characters]", len(runes)-n)
}
