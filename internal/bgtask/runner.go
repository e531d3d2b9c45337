package bgtask

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"forge/internal/agentport"
	"forge/internal/config"
	"forge/internal/corelog"
	"forge/internal/ids"
	"forge/internal/injection"
	"forge/internal/metrics"
	"forge/internal/permission"
	"forge/internal/progress"
	"forge/internal/sandboxport"
	"forge/internal/taskerr"
)

// Runner is the BgTaskRunner: a priority queue and concurrency limiter
// that owns the lifecycle of every background sub-task.
type Runner struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	pending []*Task
	seq     int64

	agents          map[string]agentport.Agent
	sandboxes       map[string]sandboxport.Sandbox
	pendingMessages map[string]string
	idleTimers      map[string]*time.Timer
	sandboxKeepers  map[string]*time.Timer
	agentKeepers    map[string]*time.Timer

	sem *semaphore.Weighted

	cfg            config.Scheduler
	agentFactory   agentport.Factory
	sandboxFactory sandboxport.Factory
	injectionQ     *injection.Queue
	tracker        *progress.Tracker
	permissions    *permission.Bridge
	metrics        *metrics.Metrics
	logger         corelog.Logger
}

// Deps bundles the Runner's collaborators, wired at construction to break
// the Agent <-> Runner <-> InjectionQueue initialization cycle.
type Deps struct {
	Config         config.Scheduler
	AgentFactory   agentport.Factory
	SandboxFactory sandboxport.Factory
	InjectionQueue *injection.Queue
	Tracker        *progress.Tracker
	Permissions    *permission.Bridge
	Metrics        *metrics.Metrics
	Logger         corelog.Logger
}

// New constructs a Runner. It never blocks and starts no goroutines until
// Start is called.
func New(d Deps) *Runner {
	logger := d.Logger
	if logger == nil {
		logger = corelog.Nop()
	}
	maxConcurrent := d.Config.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	return &Runner{
		tasks:           make(map[string]*Task),
		agents:          make(map[string]agentport.Agent),
		sandboxes:       make(map[string]sandboxport.Sandbox),
		pendingMessages: make(map[string]string),
		idleTimers:      make(map[string]*time.Timer),
		sandboxKeepers:  make(map[string]*time.Timer),
		agentKeepers:    make(map[string]*time.Timer),
		sem:             semaphore.NewWeighted(int64(maxConcurrent)),
		cfg:             d.Config,
		agentFactory:    d.AgentFactory,
		sandboxFactory:  d.SandboxFactory,
		injectionQ:      d.InjectionQueue,
		tracker:         d.Tracker,
		permissions:     d.Permissions,
		metrics:         d.Metrics,
		logger:          logger,
	}
}

// Start creates a task with status=queued, sorts the pending list by
// priority, triggers a drain, and returns the new task's id immediately.
// It never blocks on running capacity.
func (r *Runner) Start(templateID, prompt, description string, opts StartOptions) (string, error) {
	if prompt == "" {
		return "", &taskerr.ValidationError{Field: "prompt", Message: "prompt is required"}
	}
	if opts.Priority == "" {
		opts.Priority = PriorityNormal
	}
	limits := opts.Limits
	if limits.MaxToolCalls == 0 {
		limits.MaxToolCalls = r.cfg.DefaultMaxToolCalls
	}
	if limits.MaxSteps == 0 {
		limits.MaxSteps = r.cfg.DefaultMaxSteps
	}
	if limits.IdleTimeout == 0 {
		limits.IdleTimeout = r.cfg.DefaultIdleTimeout
	}

	taskID := ids.NewTaskID()

	r.mu.Lock()
	if err := validateDependencyGraph(taskID, opts.DependsOn, r.tasks); err != nil {
		r.mu.Unlock()
		return "", err
	}

	t := &Task{
		ID:             taskID,
		TemplateID:     templateID,
		Description:    description,
		Status:         StatusQueued,
		Priority:       opts.Priority,
		Prompt:         prompt,
		Skills:         opts.Skills,
		ResourceLimits: limits,
		DependsOn:      opts.DependsOn,
		WorkspaceMode:  opts.WorkspaceMode,
		FileScope:      opts.FileScope,
		InheritContext: opts.InheritContext,
		ParentSummary:  opts.ParentSummary,
		seq:            r.seq,
	}
	if t.WorkspaceMode == "" {
		t.WorkspaceMode = sandboxport.WorkspaceIsolated
	}
	r.seq++
	r.tasks[taskID] = t
	r.pending = append(r.pending, t)
	sortPending(r.pending)
	r.mu.Unlock()

	r.metrics.IncTasksStarted()
	r.drain()
	return taskID, nil
}

func sortPending(pending []*Task) {
	sort.SliceStable(pending, func(i, j int) bool {
		ri, rj := priorityRank(pending[i].Priority), priorityRank(pending[j].Priority)
		if ri != rj {
			return ri < rj
		}
		return pending[i].seq < pending[j].seq
	})
}

// Cancel cancels a queued or running task. Returns false if the task is
// unknown or already terminal.
func (r *Runner) Cancel(taskID, reason string) bool {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok {
		r.mu.Unlock()
		return false
	}
	if t.isTerminal() {
		r.mu.Unlock()
		return false
	}

	wasQueued := t.Status == StatusQueued
	t.Status = StatusCancelled
	t.CancelReason = reason
	if t.CancelReason == "" {
		t.CancelReason = "cancelled by orchestrator"
	}
	if wasQueued {
		r.removePending(taskID)
	}
	agent := r.agents[taskID]
	cascaded := r.cascadeCancelLocked(taskID, fmt.Sprintf("dependency %s was cancelled", taskID))
	r.mu.Unlock()

	r.enqueueTermination(t, injection.ItemTaskCanceled)
	if !wasQueued && agent != nil {
		agent.Interrupt(reason)
	}
	if wasQueued {
		r.finishTask(taskID)
		r.recordCancelled(t)
	}
	for _, c := range cascaded {
		r.enqueueTermination(c, injection.ItemTaskCanceled)
		r.finishTask(c.ID)
		r.recordCancelled(c)
	}
	if wasQueued {
		r.drain()
	}
	return true
}

// cascadeCancelLocked marks every queued task depending (directly or
// transitively) on taskID as cancelled, per invariant I7. Caller holds mu.
func (r *Runner) cascadeCancelLocked(taskID, reasonPrefix string) []*Task {
	var out []*Task
	cancelledIDs := map[string]bool{taskID: true}
	changed := true
	for changed {
		changed = false
		for _, t := range r.tasks {
			if t.isTerminal() {
				continue
			}
			for _, dep := range t.DependsOn {
				if cancelledIDs[dep] {
					t.Status = StatusCancelled
					t.CancelReason = fmt.Sprintf("dependency %q did not complete", dep)
					r.removePending(t.ID)
					cancelledIDs[t.ID] = true
					out = append(out, t)
					changed = true
					break
				}
			}
		}
	}
	return out
}

func (r *Runner) removePending(taskID string) {
	for i, t := range r.pending {
		if t.ID == taskID {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			return
		}
	}
}

// SendMessage stashes instruction for a running task and interrupts its
// current turn so the pause-loop refuels with it.
func (r *Runner) SendMessage(taskID, instruction string) bool {
	r.mu.Lock()
	t, ok := r.tasks[taskID]
	if !ok || t.Status != StatusRunning {
		r.mu.Unlock()
		return false
	}
	r.pendingMessages[taskID] = instruction
	agent := r.agents[taskID]
	r.mu.Unlock()

	if agent != nil {
		agent.Interrupt("steered by sendMessage")
	}
	return true
}

// GetTask returns a snapshot of one task.
func (r *Runner) GetTask(taskID string) (*Task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return nil, false
	}
	return t.clone(), true
}

// GetAllTasks returns a snapshot of every task ever created.
func (r *Runner) GetAllTasks() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		out = append(out, t.clone())
	}
	return out
}

// GetActiveTasks returns a snapshot of every running task.
func (r *Runner) GetActiveTasks() []*Task {
	return r.filterTasks(StatusRunning)
}

// GetQueuedTasks returns a snapshot of every queued task, in dispatch order.
func (r *Runner) GetQueuedTasks() []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Task, 0, len(r.pending))
	for _, t := range r.pending {
		out = append(out, t.clone())
	}
	return out
}

func (r *Runner) filterTasks(status Status) []*Task {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Task
	for _, t := range r.tasks {
		if t.Status == status {
			out = append(out, t.clone())
		}
	}
	return out
}

func (r *Runner) enqueueTermination(t *Task, itemType injection.ItemType) {
	var msg string
	switch itemType {
	case injection.ItemTaskResult:
		msg = injection.CompletedMessage(t.ID, t.TemplateID, t.Description, t.Result, r.cfg.InjectionTruncateLen)
	case injection.ItemTaskFailed:
		msg = injection.FailedMessage(t.ID, t.Description, t.Error)
	case injection.ItemTaskCanceled:
		msg = injection.CancelledMessage(t.ID, t.Description, t.CancelReason)
	}
	r.injectionQ.Enqueue(injection.Item{Message: msg, TaskID: t.ID, Type: itemType})
	r.metrics.SetInjectionQueueDepth(r.injectionQ.Depth())
}
