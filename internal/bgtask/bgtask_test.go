package bgtask

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/agentport"
)

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestStart_RejectsEmptyPrompt(t *testing.T) {
	r := newTestRunner(newFakeFactory(), 1)
	_, err := r.Start("tpl", "", "desc", StartOptions{})
	assert.Error(t, err)
}

func TestStart_PriorityOrdering(t *testing.T) {
	factory := newFakeFactory()
	gate := make(chan struct{})

	// The first task blocks until gate is closed, holding the single
	// concurrency slot while the other two are enqueued behind it.
	factory.push(newFakeAgent(func(ctx context.Context, input string) (agentport.CompleteResult, error) {
		<-gate
		return agentport.CompleteResult{Status: agentport.StatusOK, Text: "first"}, nil
	}))

	r := newTestRunner(factory, 1)

	_, err := r.Start("blocker", "block", "blocker", StartOptions{Priority: PriorityNormal})
	require.NoError(t, err)
	waitFor(t, time.Second, func() bool { return len(r.GetActiveTasks()) == 1 })

	lowID, err := r.Start("low", "low prompt", "low", StartOptions{Priority: PriorityLow})
	require.NoError(t, err)
	highID, err := r.Start("high", "high prompt", "high", StartOptions{Priority: PriorityHigh})
	require.NoError(t, err)

	queued := r.GetQueuedTasks()
	require.Len(t, queued, 2)
	assert.Equal(t, highID, queued[0].ID, "high priority must dispatch before low despite arriving second")
	assert.Equal(t, lowID, queued[1].ID)

	close(gate)
	waitFor(t, time.Second, func() bool {
		all := r.GetAllTasks()
		for _, tk := range all {
			if tk.Status != StatusCompleted {
				return false
			}
		}
		return len(all) == 3
	})

	factory.mu.Lock()
	order := append([]string(nil), factory.order...)
	factory.mu.Unlock()
	require.Len(t, order, 3)
	assert.Equal(t, "blocker", order[0])
	assert.Equal(t, "high", order[1], "high priority task must be dispatched before the low priority one")
	assert.Equal(t, "low", order[2])
}

func TestValidateDependencyGraph_RejectsUnknownDependency(t *testing.T) {
	r := newTestRunner(newFakeFactory(), 1)
	_, err := r.Start("tpl", "prompt", "desc", StartOptions{DependsOn: []string{"does-not-exist-yet"}})
	assert.Error(t, err)
}

func TestValidateDependencyGraph_RejectsCycle(t *testing.T) {
	tasks := map[string]*Task{
		"a": {ID: "a", DependsOn: []string{"b"}},
	}
	err := validateDependencyGraph("b", []string{"a"}, tasks)
	assert.Error(t, err, "b depending on a, where a already depends on b, is a cycle")
}

func TestDependencyGating_CascadeCancelOnFailure(t *testing.T) {
	factory := newFakeFactory()
	factory.push(newFakeAgent(func(ctx context.Context, input string) (agentport.CompleteResult, error) {
		return agentport.CompleteResult{}, assertError{"boom"}
	}))

	r := newTestRunner(factory, 1)

	depID, err := r.Start("dep", "dep prompt", "dep", StartOptions{})
	require.NoError(t, err)

	childID, err := r.Start("child", "child prompt", "child", StartOptions{DependsOn: []string{depID}})
	require.NoError(t, err)

	waitFor(t, time.Second, func() bool {
		tk, ok := r.GetTask(childID)
		return ok && tk.Status == StatusCancelled
	})

	dep, ok := r.GetTask(depID)
	require.True(t, ok)
	assert.Equal(t, StatusFailed, dep.Status)

	child, ok := r.GetTask(childID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, child.Status)
	assert.Contains(t, child.CancelReason, depID)
}

type assertError struct{ msg string }

func (e assertError) Error() string { return e.msg }

func TestCancel_QueuedTask(t *testing.T) {
	factory := newFakeFactory()
	gate := make(chan struct{})
	factory.push(newFakeAgent(func(ctx context.Context, input string) (agentport.CompleteResult, error) {
		<-gate
		return agentport.CompleteResult{Status: agentport.StatusOK, Text: "ok"}, nil
	}))

	r := newTestRunner(factory, 1)
	defer close(gate)

	_, err := r.Start("blocker", "block", "blocker", StartOptions{})
	require.NoError(t, err)
	waitFor(t, time.Second, func() bool { return len(r.GetActiveTasks()) == 1 })

	queuedID, err := r.Start("queued", "queued prompt", "queued", StartOptions{})
	require.NoError(t, err)

	ok := r.Cancel(queuedID, "no longer needed")
	assert.True(t, ok)

	tk, found := r.GetTask(queuedID)
	require.True(t, found)
	assert.Equal(t, StatusCancelled, tk.Status)
	assert.Equal(t, "no longer needed", tk.CancelReason)

	assert.False(t, r.Cancel(queuedID, "again"), "cancelling an already-terminal task returns false")
}

func TestRetry_InheritsLineageAndIncrementsRetryCount(t *testing.T) {
	factory := newFakeFactory()
	factory.push(newFakeAgent(func(ctx context.Context, input string) (agentport.CompleteResult, error) {
		return agentport.CompleteResult{}, assertError{"first attempt failed"}
	}))
	factory.push(newFakeAgent(func(ctx context.Context, input string) (agentport.CompleteResult, error) {
		return agentport.CompleteResult{Status: agentport.StatusOK, Text: "second attempt ok"}, nil
	}))

	r := newTestRunner(factory, 1)

	origID, err := r.Start("tpl", "original prompt", "desc", StartOptions{Priority: PriorityHigh, Skills: []string{"go"}})
	require.NoError(t, err)
	waitFor(t, time.Second, func() bool {
		tk, ok := r.GetTask(origID)
		return ok && tk.Status == StatusFailed
	})

	retryID, err := r.Retry(origID, "")
	require.NoError(t, err)
	require.NotEqual(t, origID, retryID)

	retried, ok := r.GetTask(retryID)
	require.True(t, ok)
	assert.Equal(t, 1, retried.RetryCount)
	assert.Equal(t, PriorityHigh, retried.Priority)
	assert.Equal(t, "original prompt", retried.Prompt)
	assert.Contains(t, retried.Description, "retry #1")

	_, err = r.Retry(origID, "")
	assert.NoError(t, err, "retrying the same failed task again is still permitted")
}

func TestRetry_RejectsNonTerminalSource(t *testing.T) {
	factory := newFakeFactory()
	gate := make(chan struct{})
	factory.push(newFakeAgent(func(ctx context.Context, input string) (agentport.CompleteResult, error) {
		<-gate
		return agentport.CompleteResult{Status: agentport.StatusOK, Text: "ok"}, nil
	}))
	r := newTestRunner(factory, 1)
	defer close(gate)

	id, err := r.Start("tpl", "prompt", "desc", StartOptions{})
	require.NoError(t, err)
	waitFor(t, time.Second, func() bool { return len(r.GetActiveTasks()) == 1 })

	_, err = r.Retry(id, "")
	assert.Error(t, err, "cannot retry a task that is still running")
}

func TestRedo_BuildsComposedPromptAndHistory(t *testing.T) {
	factory := newFakeFactory()
	factory.push(newFakeAgent(func(ctx context.Context, input string) (agentport.CompleteResult, error) {
		return agentport.CompleteResult{Status: agentport.StatusOK, Text: "done"}, nil
	}))
	factory.push(newFakeAgent(func(ctx context.Context, input string) (agentport.CompleteResult, error) {
		return agentport.CompleteResult{Status: agentport.StatusOK, Text: "redone"}, nil
	}))

	r := newTestRunner(factory, 1)

	origID, err := r.Start("tpl", "write a haiku", "desc", StartOptions{})
	require.NoError(t, err)
	waitFor(t, time.Second, func() bool {
		tk, ok := r.GetTask(origID)
		return ok && tk.Status == StatusCompleted
	})

	redoID, err := r.Redo(origID, "too long")
	require.NoError(t, err)

	redone, ok := r.GetTask(redoID)
	require.True(t, ok)
	assert.Contains(t, redone.Prompt, "write a haiku")
	assert.Contains(t, redone.Prompt, "too long")
	assert.Contains(t, redone.Prompt, "previous result was rejected")
	assert.Equal(t, []string{"too long"}, redone.RedoHistory)
}

func TestRedo_RejectsFailedSource(t *testing.T) {
	factory := newFakeFactory()
	factory.push(newFakeAgent(func(ctx context.Context, input string) (agentport.CompleteResult, error) {
		return agentport.CompleteResult{}, assertError{"boom"}
	}))
	r := newTestRunner(factory, 1)

	id, err := r.Start("tpl", "prompt", "desc", StartOptions{})
	require.NoError(t, err)
	waitFor(t, time.Second, func() bool {
		tk, ok := r.GetTask(id)
		return ok && tk.Status == StatusFailed
	})

	_, err = r.Redo(id, "feedback")
	assert.Error(t, err, "redo is only valid for a completed task")
}
