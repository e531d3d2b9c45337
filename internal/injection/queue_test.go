package injection

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/agentport"
	"forge/internal/chatlock"
	"forge/internal/corelog"
	"forge/internal/ssebus"
)

type fakeParent struct {
	envelopes []agentport.Envelope
	err       error
	calls     chan string
}

func (f *fakeParent) ChatStream(ctx context.Context, input string) (<-chan agentport.Envelope, error) {
	if f.calls != nil {
		f.calls <- input
	}
	if f.err != nil {
		return nil, f.err
	}
	ch := make(chan agentport.Envelope, len(f.envelopes))
	for _, e := range f.envelopes {
		ch <- e
	}
	close(ch)
	return ch, nil
}

func drainEvents(t *testing.T, ch <-chan ssebus.Event, n int, timeout time.Duration) []ssebus.Event {
	t.Helper()
	out := make([]ssebus.Event, 0, n)
	deadline := time.After(timeout)
	for len(out) < n {
		select {
		case ev := <-ch:
			out = append(out, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for %d events, got %d: %+v", n, len(out), out)
		}
	}
	return out
}

func TestEnqueue_StreamsThroughParentAndBroadcastsOrchestratorEvents(t *testing.T) {
	bus := ssebus.New(corelog.Nop())
	lock := chatlock.New(nil)
	q := New(bus, lock, corelog.Nop())

	events, cancel := bus.Subscribe()
	defer cancel()

	parent := &fakeParent{envelopes: []agentport.Envelope{
		{Type: agentport.EventTextChunk, Text: agentport.TextDelta{Delta: "hello"}},
		{Type: agentport.EventDone},
	}}
	q.SetParent(parent)

	q.Enqueue(Item{Message: "go", TaskID: "t1", Type: ItemTaskResult})

	got := drainEvents(t, events, 3, time.Second)
	assert.Equal(t, ssebus.EventOrchestratorStart, got[0].Type)
	assert.Equal(t, ssebus.EventOrchestratorText, got[1].Type)
	assert.Equal(t, ssebus.EventOrchestratorDone, got[2].Type)
}

func TestEnqueue_SerializesMultipleItemsThroughChatlock(t *testing.T) {
	bus := ssebus.New(corelog.Nop())
	lock := chatlock.New(nil)
	q := New(bus, lock, corelog.Nop())

	calls := make(chan string, 4)
	parent := &fakeParent{
		calls:     calls,
		envelopes: []agentport.Envelope{{Type: agentport.EventDone}},
	}
	q.SetParent(parent)

	q.Enqueue(Item{Message: "first", TaskID: "t1", Type: ItemTaskResult})
	q.Enqueue(Item{Message: "second", TaskID: "t2", Type: ItemTaskResult})

	first := requireNext(t, calls)
	second := requireNext(t, calls)
	assert.Equal(t, "first", first)
	assert.Equal(t, "second", second)
}

func requireNext(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case v := <-ch:
		return v
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for next call")
		return ""
	}
}

func TestEnqueue_NoParentWiredStillEmitsDone(t *testing.T) {
	bus := ssebus.New(corelog.Nop())
	lock := chatlock.New(nil)
	q := New(bus, lock, corelog.Nop())

	events, cancel := bus.Subscribe()
	defer cancel()

	q.Enqueue(Item{Message: "go", TaskID: "t1", Type: ItemTaskResult})

	got := drainEvents(t, events, 2, time.Second)
	assert.Equal(t, ssebus.EventOrchestratorStart, got[0].Type)
	assert.Equal(t, ssebus.EventOrchestratorDone, got[1].Type)
}

func TestDepth_ReflectsQueuedItems(t *testing.T) {
	bus := ssebus.New(corelog.Nop())
	lock := chatlock.New(nil)
	q := New(bus, lock, corelog.Nop())

	// Hold the chatlock so drain() can't make progress while we inspect depth.
	require.NoError(t, lock.Acquire(context.Background()))

	q.Enqueue(Item{Message: "a", TaskID: "t1", Type: ItemTaskResult})
	q.Enqueue(Item{Message: "b", TaskID: "t2", Type: ItemTaskResult})

	assert.GreaterOrEqual(t, q.Depth(), 1)
	lock.Release()
}

func TestMessageBuilders(t *testing.T) {
	assert.Contains(t, CompletedMessage("t1", "coder", "desc", "result", DefaultResultTruncateLen), "t1")
	assert.Contains(t, CancelledMessage("t1", "desc", ""), "cancelled by orchestrator")
	assert.Contains(t, FailedMessage("t1", "desc", "boom"), "boom")
	assert.Contains(t, ChatResultMessage("t1", "reply", DefaultResultTruncateLen), "reply")
	assert.Contains(t, ChatFailedMessage("t1", "boom"), "boom")
}
