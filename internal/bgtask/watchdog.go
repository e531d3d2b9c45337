package bgtask

import (
	"context"
	"time"

	"forge/internal/agentport"
	"forge/internal/asyncutil"
	"forge/internal/sandboxport"
	"forge/internal/taskerr"
)

// attachWatchdogs subscribes to the agent's monitor channel and drives three
// concerns off it: resource-budget enforcement (tool calls, steps), idle
// timeout, and permission bridging. It returns a stop func that unsubscribes
// and releases the idle timer; safe to call multiple times.
func (r *Runner) attachWatchdogs(ctx context.Context, taskID string, agent agentport.Agent, sandbox sandboxport.Sandbox) func() {
	events, err := agent.Subscribe("progress", "monitor", "control")
	if err != nil {
		r.logger.Warn("task %s: subscribe failed: %v", taskID, err)
		return func() {}
	}

	done := make(chan struct{})
	r.startIdleTimer(taskID)

	asyncutil.Go(r.logger, "watchdog:"+taskID, func() {
		for {
			select {
			case <-done:
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				r.handleMonitorEvent(taskID, ev, sandbox)
			}
		}
	})

	var stopped bool
	return func() {
		if stopped {
			return
		}
		stopped = true
		close(done)
		r.stopIdleTimer(taskID)
	}
}

func (r *Runner) handleMonitorEvent(taskID string, ev agentport.MonitorEvent, sandbox sandboxport.Sandbox) {
	r.resetIdleTimer(taskID)

	switch ev.Type {
	case agentport.MonitorPermissionRequired:
		if ev.Permission != nil {
			if ev.Permission.SandboxKind == "" && sandbox != nil {
				ev.Permission.SandboxKind = sandbox.Kind()
			}
			r.permissions.Handle(ev.Permission)
		}
	case agentport.MonitorToolExecuted:
		r.bumpUsage(taskID, func(u *ResourceUsage) { u.ToolCalls++ })
		r.enforceLimit(taskID, func(t *Task) error {
			if t.ResourceLimits.MaxToolCalls > 0 && t.ResourceUsage.ToolCalls >= t.ResourceLimits.MaxToolCalls {
				return &taskerr.ResourceLimitExceeded{Limit: "maxToolCalls", Value: t.ResourceUsage.ToolCalls}
			}
			return nil
		})
	case agentport.MonitorStepComplete:
		r.bumpUsage(taskID, func(u *ResourceUsage) { u.Steps++ })
		r.enforceLimit(taskID, func(t *Task) error {
			if t.ResourceLimits.MaxSteps > 0 && t.ResourceUsage.Steps >= t.ResourceLimits.MaxSteps {
				return &taskerr.ResourceLimitExceeded{Limit: "maxSteps", Value: t.ResourceUsage.Steps}
			}
			return nil
		})
	case agentport.MonitorTokenUsage:
		r.bumpUsage(taskID, func(u *ResourceUsage) { u.TotalTokens += ev.TokenDelta })
	case agentport.MonitorContextCompression:
		// Observed for progress reporting only; no scheduler action required.
	}
}

func (r *Runner) bumpUsage(taskID string, mutate func(*ResourceUsage)) {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if ok {
		mutate(&t.ResourceUsage)
		t.LastActivityTime = time.Now()
	}
	r.mu.Unlock()
}

// enforceLimit fails the task if check reports a resource-limit error. It
// interrupts the agent rather than killing the goroutine directly, so
// runTask's own control flow finalizes the task once Complete returns.
func (r *Runner) enforceLimit(taskID string, check func(*Task) error) {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok || t.isTerminal() {
		r.mu.Unlock()
		return
	}
	limitErr := check(t)
	agent := r.agents[taskID]
	r.mu.Unlock()

	if limitErr == nil {
		return
	}
	r.failTask(taskID, limitErr.Error())
	if agent != nil {
		agent.Interrupt(limitErr.Error())
	}
}

func (r *Runner) startIdleTimer(taskID string) *time.Timer {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	timeout := r.cfg.DefaultIdleTimeout
	if ok && t.ResourceLimits.IdleTimeout > 0 {
		timeout = t.ResourceLimits.IdleTimeout
	}
	if timeout <= 0 {
		r.mu.Unlock()
		return nil
	}
	timer := time.AfterFunc(timeout, func() { r.onIdleTimeout(taskID) })
	r.idleTimers[taskID] = timer
	r.mu.Unlock()
	return timer
}

func (r *Runner) resetIdleTimer(taskID string) {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	timer := r.idleTimers[taskID]
	if !ok || timer == nil {
		r.mu.Unlock()
		return
	}
	timeout := r.cfg.DefaultIdleTimeout
	if t.ResourceLimits.IdleTimeout > 0 {
		timeout = t.ResourceLimits.IdleTimeout
	}
	t.LastActivityTime = time.Now()
	r.mu.Unlock()
	if timeout > 0 {
		timer.Reset(timeout)
	}
}

func (r *Runner) stopIdleTimer(taskID string) {
	r.mu.Lock()
	timer, ok := r.idleTimers[taskID]
	delete(r.idleTimers, taskID)
	r.mu.Unlock()
	if ok && timer != nil {
		timer.Stop()
	}
}

func (r *Runner) onIdleTimeout(taskID string) {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok || t.isTerminal() {
		r.mu.Unlock()
		return
	}
	seconds := int(r.cfg.DefaultIdleTimeout / time.Second)
	if t.ResourceLimits.IdleTimeout > 0 {
		seconds = int(t.ResourceLimits.IdleTimeout / time.Second)
	}
	agent := r.agents[taskID]
	r.mu.Unlock()

	idleErr := &taskerr.IdleTimeout{Seconds: seconds}
	r.failTask(taskID, idleErr.Error())
	if agent != nil {
		agent.Interrupt(idleErr.Error())
	}
}
