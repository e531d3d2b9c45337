// Package progress emits periodic heartbeats for active tasks. It is an
// orthogonal, best-effort stream: nothing in the scheduler's correctness
// depends on exact heartbeat timing, only on heartbeats eventually
// appearing while a task is active.
package progress

import (
	"sync"
	"time"

	"forge/internal/asyncutil"
	"forge/internal/corelog"
)

// Record is the current progress snapshot for one task.
type Record struct {
	TaskID  string
	Percent int
	Stage   string
	Message string
}

// Sink receives progress records. In practice this is the SSE bus, but
// tests can supply a recording sink.
type Sink interface {
	Emit(Record)
}

type trackedTask struct {
	record Record
	ticker *time.Ticker
	stop   chan struct{}
}

// Tracker manages one heartbeat timer per active task.
type Tracker struct {
	mu       sync.Mutex
	tasks    map[string]*trackedTask
	interval time.Duration
	sink     Sink
	logger   corelog.Logger
}

// New returns a Tracker that emits to sink every interval per active task.
func New(interval time.Duration, sink Sink, logger corelog.Logger) *Tracker {
	if logger == nil {
		logger = corelog.Nop()
	}
	return &Tracker{tasks: make(map[string]*trackedTask), interval: interval, sink: sink, logger: logger}
}

// Start installs a periodic heartbeat for taskID at the given stage. If a
// tracker already exists for taskID it is replaced.
func (t *Tracker) Start(taskID, stage string) {
	t.mu.Lock()
	if existing, ok := t.tasks[taskID]; ok {
		existing.ticker.Stop()
		close(existing.stop)
	}
	tt := &trackedTask{
		record: Record{TaskID: taskID, Stage: stage},
		ticker: time.NewTicker(t.interval),
		stop:   make(chan struct{}),
	}
	t.tasks[taskID] = tt
	t.mu.Unlock()

	asyncutil.Go(t.logger, "progress-"+taskID, func() {
		for {
			select {
			case <-tt.stop:
				return
			case <-tt.ticker.C:
				t.mu.Lock()
				record := tt.record
				t.mu.Unlock()
				t.sink.Emit(record)
			}
		}
	})
}

// Update mutates the tracked record and emits once immediately, in
// addition to the periodic heartbeat.
func (t *Tracker) Update(taskID string, percent int, stage, message string) {
	t.mu.Lock()
	tt, ok := t.tasks[taskID]
	if !ok {
		t.mu.Unlock()
		return
	}
	tt.record.Percent = percent
	tt.record.Stage = stage
	tt.record.Message = message
	record := tt.record
	t.mu.Unlock()

	t.sink.Emit(record)
}

// Snapshot returns the current record for every actively tracked task, for
// callers (the status endpoint) that need a point-in-time read rather than
// the push stream.
func (t *Tracker) Snapshot() []Record {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Record, 0, len(t.tasks))
	for _, tt := range t.tasks {
		out = append(out, tt.record)
	}
	return out
}

// Finish cancels the heartbeat timer and removes the record for taskID.
// Idempotent.
func (t *Tracker) Finish(taskID string) {
	t.mu.Lock()
	tt, ok := t.tasks[taskID]
	if ok {
		delete(t.tasks, taskID)
	}
	t.mu.Unlock()

	if ok {
		tt.ticker.Stop()
		close(tt.stop)
	}
}
