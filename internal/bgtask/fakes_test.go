package bgtask

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"forge/internal/agentport"
	"forge/internal/approval"
	"forge/internal/chatlock"
	"forge/internal/config"
	"forge/internal/corelog"
	"forge/internal/injection"
	"forge/internal/metrics"
	"forge/internal/permission"
	"forge/internal/progress"
	"forge/internal/ssebus"
)

// fakeAgent is a minimal agentport.Agent double. completeFn supplies the
// behavior for a single Complete call; interrupted records Interrupt notes.
type fakeAgent struct {
	mu          sync.Mutex
	completeFn  func(ctx context.Context, input string) (agentport.CompleteResult, error)
	monitorCh   chan agentport.MonitorEvent
	interrupted []string
}

func newFakeAgent(completeFn func(ctx context.Context, input string) (agentport.CompleteResult, error)) *fakeAgent {
	return &fakeAgent{completeFn: completeFn, monitorCh: make(chan agentport.MonitorEvent)}
}

func (a *fakeAgent) Complete(ctx context.Context, input string) (agentport.CompleteResult, error) {
	return a.completeFn(ctx, input)
}

func (a *fakeAgent) ChatStream(ctx context.Context, input string) (<-chan agentport.Envelope, error) {
	ch := make(chan agentport.Envelope)
	close(ch)
	return ch, nil
}

func (a *fakeAgent) Interrupt(note string) {
	a.mu.Lock()
	a.interrupted = append(a.interrupted, note)
	a.mu.Unlock()
}

func (a *fakeAgent) Subscribe(channels ...string) (<-chan agentport.MonitorEvent, error) {
	return a.monitorCh, nil
}

// fakeFactory hands out pre-built agents from a FIFO queue keyed by
// insertion order, so a test can script each successive Start call's agent
// behavior independently.
type fakeFactory struct {
	mu     sync.Mutex
	queue  []*fakeAgent
	order  []string // templateIDs, in NewAgent call order
	onNext func() *fakeAgent
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{}
}

func (f *fakeFactory) push(a *fakeAgent) {
	f.mu.Lock()
	f.queue = append(f.queue, a)
	f.mu.Unlock()
}

func (f *fakeFactory) NewAgent(ctx context.Context, templateID string) (agentport.Agent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.order = append(f.order, templateID)
	if len(f.queue) == 0 {
		if f.onNext != nil {
			return f.onNext(), nil
		}
		return newFakeAgent(func(context.Context, string) (agentport.CompleteResult, error) {
			return agentport.CompleteResult{Status: agentport.StatusOK, Text: "ok"}, nil
		}), nil
	}
	a := f.queue[0]
	f.queue = f.queue[1:]
	return a, nil
}

type recordingSink struct {
	mu      sync.Mutex
	records []progress.Record
}

func (s *recordingSink) Emit(r progress.Record) {
	s.mu.Lock()
	s.records = append(s.records, r)
	s.mu.Unlock()
}

// newTestRunner wires a Runner with no-op/recording collaborators, suitable
// for exercising the scheduler core without any real agent runtime.
func newTestRunner(factory *fakeFactory, maxConcurrent int) *Runner {
	logger := corelog.Nop()
	bus := ssebus.New(logger)
	lock := chatlock.New(nil)
	injQ := injection.New(bus, lock, logger)
	approvals := approval.New(logger)
	bridge := permission.New(approvals, bus)
	tracker := progress.New(time.Hour, &recordingSink{}, logger)
	m := metrics.MustNew(prometheus.NewRegistry())

	r := New(Deps{
		Config: config.Scheduler{
			MaxConcurrent:        maxConcurrent,
			DefaultIdleTimeout:   time.Hour,
			DefaultMaxToolCalls:  1000,
			DefaultMaxSteps:      1000,
			SandboxKeepAlive:     time.Hour,
			AgentKeepAlive:       time.Hour,
			InjectionTruncateLen: 4000,
			RedoTruncateLen:      2000,
		},
		AgentFactory:   factory,
		SandboxFactory: nil,
		InjectionQueue: injQ,
		Tracker:        tracker,
		Permissions:    bridge,
		Metrics:        m,
		Logger:         logger,
	})
	injQ.SetParent(noopParentAgent{})
	return r
}

type noopParentAgent struct{}

func (noopParentAgent) ChatStream(ctx context.Context, input string) (<-chan agentport.Envelope, error) {
	ch := make(chan agentport.Envelope)
	close(ch)
	return ch, nil
}
