package bgtask

import (
	"context"
	"fmt"
	"strings"
	"time"

	"forge/internal/agentport"
	"forge/internal/asyncutil"
	"forge/internal/injection"
	"forge/internal/sandboxport"
)

// drain promotes every dependency-eligible queued task it can admit into
// running, respecting maxConcurrent. It never blocks: a task whose
// dependencies are not yet satisfied is skipped in place, without
// reordering the pending list.
func (r *Runner) drain() {
	for {
		candidate, cancelled := r.nextDispatchCandidate()
		for _, t := range cancelled {
			r.enqueueTermination(t, injection.ItemTaskCanceled)
			r.finishTask(t.ID)
		}
		if candidate == nil {
			if len(cancelled) == 0 {
				return
			}
			continue
		}
		r.metrics.SetTasksRunning(r.runningCount())
		asyncutil.Go(r.logger, "bgtask:"+candidate.ID, func() {
			r.runTask(candidate)
		})
	}
}

// nextDispatchCandidate scans the pending list once, cancelling any task
// whose dependency has permanently failed along the way (I7), and returns
// the next eligible task to dispatch if a concurrency slot is available.
// A nil candidate with no cancellations means drain has nothing left to do.
func (r *Runner) nextDispatchCandidate() (candidate *Task, cancelled []*Task) {
	r.mu.Lock()
	defer r.mu.Unlock()

	i := 0
	for i < len(r.pending) {
		t := r.pending[i]
		eligible, blockedBy := dependencyEligible(t, r.tasks)
		if !eligible && blockedBy != "" {
			t.Status = StatusCancelled
			t.CancelReason = fmt.Sprintf("dependency %q did not complete", blockedBy)
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			cancelled = append(cancelled, t)
			continue
		}
		if eligible && candidate == nil {
			if !r.sem.TryAcquire(1) {
				return nil, cancelled
			}
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			t.Status = StatusRunning
			t.StartTime = time.Now()
			t.LastActivityTime = t.StartTime
			candidate = t
			continue
		}
		i++
	}
	return candidate, cancelled
}

func (r *Runner) runningCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, t := range r.tasks {
		if t.Status == StatusRunning {
			n++
		}
	}
	return n
}

// runTask drives one task's sub-agent through the pause-resume execution
// loop, attaches watchdogs, and handles termination/injection/drain.
func (r *Runner) runTask(t *Task) {
	ctx := context.Background()
	defer func() {
		r.sem.Release(1)
		r.metrics.SetTasksRunning(r.runningCount())
		r.drain()
	}()

	agent, err := r.agentFactory.NewAgent(ctx, t.TemplateID)
	if err != nil {
		r.failTask(t.ID, fmt.Sprintf("failed to create agent: %v", err))
		r.finishTask(t.ID)
		return
	}
	r.mu.Lock()
	r.agents[t.ID] = agent
	r.mu.Unlock()

	var sandbox sandboxport.Sandbox
	if r.sandboxFactory != nil {
		sandbox, err = r.sandboxFactory.Create(ctx, "", sandboxport.CreateOptions{
			TaskID:        t.ID,
			WorkspaceMode: t.WorkspaceMode,
			FileScope:     t.FileScope,
		})
		if err != nil {
			r.failTask(t.ID, fmt.Sprintf("failed to create sandbox: %v", err))
			r.finishTask(t.ID)
			return
		}
		r.mu.Lock()
		r.sandboxes[t.ID] = sandbox
		r.mu.Unlock()
	}

	stop := r.attachWatchdogs(ctx, t.ID, agent, sandbox)
	defer stop()

	r.tracker.Start(t.ID, "running")
	defer r.tracker.Finish(t.ID)

	input := r.composeFirstTurnPrompt(t)
	result, runErr := r.runPauseLoop(ctx, t.ID, agent, input)

	r.mu.Lock()
	status := r.tasks[t.ID].Status
	r.mu.Unlock()
	if status == StatusCancelled {
		// Cancel recorded the status but, for a running task, leaves
		// metrics and disposal to the goroutine that owns the agent/sandbox
		// until Complete actually returns — that's this one.
		r.finishTask(t.ID)
		r.recordCancelled(t)
		return
	}
	if status == StatusFailed {
		// A watchdog (enforceLimit/onIdleTimeout) already called failTask,
		// which recorded metrics; Complete has now returned, so dispose.
		r.finishTask(t.ID)
		return
	}

	if runErr != nil {
		r.failTask(t.ID, runErr.Error())
		r.finishTask(t.ID)
		return
	}

	r.completeTask(t.ID, result)
}

// runPauseLoop implements the pause/resume cycle: complete, and if paused,
// refuel from a stashed sendMessage instruction or stop.
func (r *Runner) runPauseLoop(ctx context.Context, taskID string, agent agentport.Agent, input string) (string, error) {
	for {
		result, err := agent.Complete(ctx, input)
		if err != nil {
			return "", err
		}
		if result.Status == agentport.StatusOK {
			return result.Text, nil
		}

		r.mu.Lock()
		t := r.tasks[taskID]
		terminal := t.isTerminal()
		nextInput, hasNext := r.pendingMessages[taskID]
		if hasNext {
			delete(r.pendingMessages, taskID)
		}
		r.mu.Unlock()

		if terminal {
			return "", nil
		}
		if !hasNext {
			return result.Text, nil
		}
		input = nextInput
	}
}

func (r *Runner) composeFirstTurnPrompt(t *Task) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[task:%s]\n", t.ID)
	if t.InheritContext && t.ParentSummary != "" {
		fmt.Fprintf(&b, "[parent-context]\n%s\n", t.ParentSummary)
	}
	b.WriteString(t.Prompt)
	return b.String()
}
