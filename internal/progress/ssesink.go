package progress

import "forge/internal/ssebus"

// SSESink adapts an ssebus.Bus into a progress Sink, matching the "in
// practice, SSE" note in the component design.
type SSESink struct {
	Bus *ssebus.Bus
}

func (s SSESink) Emit(r Record) {
	s.Bus.Send(ssebus.Event{
		Type: ssebus.EventProgress,
		Data: map[string]any{
			"taskId":  r.TaskID,
			"percent": r.Percent,
			"stage":   r.Stage,
			"message": r.Message,
		},
	})
}

var _ Sink = SSESink{}
