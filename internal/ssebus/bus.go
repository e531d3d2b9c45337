// Package ssebus broadcasts typed events to every connected SSE client.
// Delivery is best-effort and lossy by design: a slow client misses events
// rather than being allowed to backpressure the sender, a disconnected
// client is unregistered, and clients are expected to reconcile state via the snapshot HTTP endpoints
// rather than rely on every event arriving.
package ssebus

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"forge/internal/corelog"
)

// EventType is the closed tag over the SSE envelope's type field.
type EventType string

const (
	EventText              EventType = "text"
	EventThinking          EventType = "thinking"
	EventToolStart         EventType = "tool_start"
	EventToolEnd           EventType = "tool_end"
	EventToolError         EventType = "tool_error"
	EventApprovalNeeded    EventType = "approval_needed"
	EventProgress          EventType = "progress"
	EventPhase             EventType = "phase"
	EventDone              EventType = "done"
	EventError             EventType = "error"
	EventOrchestratorStart EventType = "orchestrator_start"
	EventOrchestratorText  EventType = "orchestrator_text"
	EventOrchestratorDone  EventType = "orchestrator_done"
)

// Event is one message broadcast to every connected client.
type Event struct {
	Type EventType `json:"type"`
	Data any       `json:"data"`
}

const clientBuffer = 64

// Bus is a broadcast channel over SSE connections. The zero value is not
// usable; construct one with New.
type Bus struct {
	mu      sync.RWMutex
	clients map[chan Event]struct{}
	logger  corelog.Logger
}

// New returns an empty Bus.
func New(logger corelog.Logger) *Bus {
	if logger == nil {
		logger = corelog.Nop()
	}
	return &Bus{clients: make(map[chan Event]struct{}), logger: logger}
}

// Send hands event to every registered client channel; each HTTP
// connection serializes it itself when writing. A client whose buffer is
// full misses the event rather than blocking the sender, and stays
// registered.
func (b *Bus) Send(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.clients {
		select {
		case ch <- event:
		default:
			b.logger.Warn("dropping event type=%s for slow client", event.Type)
		}
	}
}

// register returns a fresh client channel and adds it to the fan-out set.
func (b *Bus) register() chan Event {
	ch := make(chan Event, clientBuffer)
	b.mu.Lock()
	b.clients[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// unregister removes and closes a client channel.
func (b *Bus) unregister(ch chan Event) {
	b.mu.Lock()
	if _, ok := b.clients[ch]; ok {
		delete(b.clients, ch)
		close(ch)
	}
	b.mu.Unlock()
}

// ConnectionCount reports how many clients are currently attached.
func (b *Bus) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

// Subscribe registers an in-process listener, for callers that are not an
// HTTP client — the terminal approval fallback in cmd/orchestratord is the
// one user of this today. The returned cancel func unregisters the
// channel; callers must call it exactly once when done listening.
func (b *Bus) Subscribe() (<-chan Event, func()) {
	ch := b.register()
	return ch, func() { b.unregister(ch) }
}

// ServeHTTP streams events to one client for the lifetime of the request.
// It writes SSE headers, registers a client channel, and forwards every
// broadcast event until the client disconnects.
func (b *Bus) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch := b.register()
	defer b.unregister(ch)

	heartbeat := time.NewTicker(30 * time.Second)
	defer heartbeat.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			if _, err := fmt.Fprint(w, ": heartbeat\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			data, err := json.Marshal(event)
			if err != nil {
				b.logger.Error("marshal sse event: %v", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
