package progress

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"forge/internal/corelog"
)

type recordingSink struct {
	mu      sync.Mutex
	records []Record
}

func (s *recordingSink) Emit(r Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, r)
}

func (s *recordingSink) snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

func waitForRecords(t *testing.T, sink *recordingSink, n int, timeout time.Duration) []Record {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if got := sink.snapshot(); len(got) >= n {
			return got
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d records, got %d", n, len(sink.snapshot()))
	return nil
}

func TestStart_EmitsPeriodicHeartbeats(t *testing.T) {
	sink := &recordingSink{}
	tr := New(10*time.Millisecond, sink, corelog.Nop())
	tr.Start("t1", "running")
	defer tr.Finish("t1")

	records := waitForRecords(t, sink, 2, time.Second)
	for _, r := range records {
		assert.Equal(t, "t1", r.TaskID)
		assert.Equal(t, "running", r.Stage)
	}
}

func TestStart_ReplacesExistingTrackerForSameTask(t *testing.T) {
	sink := &recordingSink{}
	tr := New(5*time.Millisecond, sink, corelog.Nop())
	tr.Start("t1", "first")
	tr.Start("t1", "second")
	defer tr.Finish("t1")

	records := waitForRecords(t, sink, 1, time.Second)
	assert.Equal(t, "second", records[len(records)-1].Stage)

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "second", snap[0].Stage)
}

func TestUpdate_EmitsImmediatelyAndUpdatesSnapshot(t *testing.T) {
	sink := &recordingSink{}
	tr := New(time.Hour, sink, corelog.Nop())
	tr.Start("t1", "queued")
	defer tr.Finish("t1")

	tr.Update("t1", 42, "running", "halfway there")

	records := sink.snapshot()
	require.Len(t, records, 1)
	assert.Equal(t, 42, records[0].Percent)
	assert.Equal(t, "running", records[0].Stage)
	assert.Equal(t, "halfway there", records[0].Message)

	snap := tr.Snapshot()
	require.Len(t, snap, 1)
	assert.Equal(t, "halfway there", snap[0].Message)
}

func TestUpdate_UnknownTaskIsNoop(t *testing.T) {
	sink := &recordingSink{}
	tr := New(time.Hour, sink, corelog.Nop())
	tr.Update("nope", 10, "running", "")
	assert.Empty(t, sink.snapshot())
}

func TestSnapshot_ReflectsMultipleActiveTasks(t *testing.T) {
	sink := &recordingSink{}
	tr := New(time.Hour, sink, corelog.Nop())
	tr.Start("t1", "running")
	tr.Start("t2", "queued")
	defer tr.Finish("t1")
	defer tr.Finish("t2")

	snap := tr.Snapshot()
	require.Len(t, snap, 2)

	byID := map[string]Record{}
	for _, r := range snap {
		byID[r.TaskID] = r
	}
	assert.Equal(t, "running", byID["t1"].Stage)
	assert.Equal(t, "queued", byID["t2"].Stage)
}

func TestFinish_StopsHeartbeatsAndRemovesRecord(t *testing.T) {
	sink := &recordingSink{}
	tr := New(5*time.Millisecond, sink, corelog.Nop())
	tr.Start("t1", "running")

	waitForRecords(t, sink, 1, time.Second)
	tr.Finish("t1")
	assert.Empty(t, tr.Snapshot())

	countAfterFinish := len(sink.snapshot())
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, countAfterFinish, len(sink.snapshot()), "no heartbeats should fire after Finish")
}

func TestFinish_IsIdempotent(t *testing.T) {
	sink := &recordingSink{}
	tr := New(time.Hour, sink, corelog.Nop())
	tr.Start("t1", "running")
	tr.Finish("t1")
	assert.NotPanics(t, func() { tr.Finish("t1") })
}
