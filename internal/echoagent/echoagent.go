// Package echoagent is the built-in stand-in for the external Agent
// runtime (consumed, not implemented, per the agentport contract): it
// echoes its input back as a single text chunk and completes immediately.
// It exists so the orchestrator binary runs standalone without a real
// LLM-backed runtime wired in; a deployment that has one supplies its own
// agentport.Factory to cmd/orchestratord instead of this package's.
package echoagent

import (
	"context"
	"fmt"

	"forge/internal/agentport"
)

// Agent is a trivial agentport.Agent that echoes every input.
type Agent struct{}

func (Agent) Complete(ctx context.Context, input string) (agentport.CompleteResult, error) {
	return agentport.CompleteResult{Status: agentport.StatusOK, Text: fmt.Sprintf("echo: %s", input)}, nil
}

func (Agent) ChatStream(ctx context.Context, input string) (<-chan agentport.Envelope, error) {
	ch := make(chan agentport.Envelope, 2)
	go func() {
		defer close(ch)
		send := func(env agentport.Envelope) bool {
			select {
			case ch <- env:
				return true
			case <-ctx.Done():
				return false
			}
		}
		if !send(agentport.Envelope{Type: agentport.EventTextChunk, Text: agentport.TextDelta{Delta: fmt.Sprintf("echo: %s", input)}}) {
			return
		}
		send(agentport.Envelope{Type: agentport.EventDone, Done: agentport.DoneInfo{Reason: "complete"}})
	}()
	return ch, nil
}

func (Agent) Interrupt(string) {}

func (Agent) Subscribe(channels ...string) (<-chan agentport.MonitorEvent, error) {
	return make(chan agentport.MonitorEvent), nil
}

// Factory mints fresh Agent values regardless of templateID.
type Factory struct{}

func (Factory) NewAgent(ctx context.Context, templateID string) (agentport.Agent, error) {
	return Agent{}, nil
}

var (
	_ agentport.Agent   = Agent{}
	_ agentport.Factory = Factory{}
)
