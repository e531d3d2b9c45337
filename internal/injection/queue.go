// Package injection implements the serializing FIFO that feeds background
// sub-task results back into the parent orchestrator agent's streaming
// conversation, under the mutual exclusion of chatlock.Lock.
package injection

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"forge/internal/agentport"
	"forge/internal/asyncutil"
	"forge/internal/chatlock"
	"forge/internal/corelog"
	"forge/internal/ssebus"
)

// ItemType is the closed tag over an InjectionItem's metadata.type field.
type ItemType string

const (
	ItemTaskResult   ItemType = "task_result"
	ItemTaskFailed   ItemType = "task_failed"
	ItemTaskCanceled ItemType = "task_cancelled"
	ItemChatResult   ItemType = "chat_result"
	ItemChatFailed   ItemType = "chat_failed"
)

// Item is one message waiting to be streamed into the parent conversation.
type Item struct {
	Message string
	TaskID  string
	Type    ItemType
}

// DefaultResultTruncateLen is used by callers that have no configured
// scheduler.injection_truncate_len available (tests, callers outside
// bgtask.Runner).
const DefaultResultTruncateLen = 4000

// CompletedMessage composes the standard "sub-task finished" injection
// text, truncating result to truncateLen characters.
func CompletedMessage(taskID, agentType, description, result string, truncateLen int) string {
	truncated, note := truncate(result, truncateLen)
	return fmt.Sprintf("[子任务完成] taskId=%s, agent=%s\n描述: %s\n交付物:\n%s%s", taskID, agentType, description, truncated, note)
}

// CancelledMessage composes the standard "sub-task cancelled" injection text.
func CancelledMessage(taskID, description, reason string) string {
	if strings.TrimSpace(reason) == "" {
		reason = "cancelled by orchestrator"
	}
	return fmt.Sprintf("[子任务取消] taskId=%s\n描述: %s\n原因: %s", taskID, description, reason)
}

// FailedMessage composes the standard "sub-task failed" injection text.
func FailedMessage(taskID, description, errText string) string {
	return fmt.Sprintf("[子任务失败] taskId=%s\n描述: %s\n错误: %s", taskID, description, errText)
}

// ChatResultMessage composes the standard chat re-entry reply text,
// truncating result to truncateLen characters.
func ChatResultMessage(taskID, result string, truncateLen int) string {
	truncated, note := truncate(result, truncateLen)
	return fmt.Sprintf("[子任务对话回复] taskId=%s\n%s%s", taskID, truncated, note)
}

// ChatFailedMessage composes the standard chat re-entry failure text.
func ChatFailedMessage(taskID, errText string) string {
	return fmt.Sprintf("[子任务对话失败] taskId=%s\n错误: %s", taskID, errText)
}

func truncate(s string, n int) (string, string) {
	runes := []rune(s)
	if len(runes) <= n {
		return s, ""
	}
	return string(runes[:n]), fmt.Sprintf("\n...[truncated, %d more characters]", len(runes)-n)
}

// ParentAgent is the orchestrator agent an injection streams into.
type ParentAgent interface {
	ChatStream(ctx context.Context, input string) (<-chan agentport.Envelope, error)
}

// Queue is the serializing FIFO injector.
type Queue struct {
	mu         sync.Mutex
	items      []Item
	processing bool

	parent ParentAgent
	bus    *ssebus.Bus
	lock   *chatlock.Lock
	logger corelog.Logger
}

// New constructs a Queue. SetParent must be called before any item is
// processed; it exists as a setter to break the Agent <-> Queue
// construction cycle.
func New(bus *ssebus.Bus, lock *chatlock.Lock, logger corelog.Logger) *Queue {
	if logger == nil {
		logger = corelog.Nop()
	}
	return &Queue{bus: bus, lock: lock, logger: logger}
}

// SetParent wires the orchestrator agent in after construction.
func (q *Queue) SetParent(parent ParentAgent) {
	q.mu.Lock()
	q.parent = parent
	q.mu.Unlock()
}

// Enqueue appends item and kicks the (possibly already running) processor.
func (q *Queue) Enqueue(item Item) {
	q.mu.Lock()
	q.items = append(q.items, item)
	alreadyRunning := q.processing
	if !alreadyRunning {
		q.processing = true
	}
	q.mu.Unlock()

	if !alreadyRunning {
		asyncutil.Go(q.logger, "injection-processor", q.drain)
	}
}

// Depth reports how many items are waiting (for the queue-depth metric).
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.items) == 0 {
			q.processing = false
			q.mu.Unlock()
			return
		}
		item := q.items[0]
		q.items = q.items[1:]
		q.mu.Unlock()

		ctx := context.Background()
		if err := q.lock.Acquire(ctx); err != nil {
			q.logger.Error("injection: acquire chatlock: %v", err)
			continue
		}
		func() {
			defer q.lock.Release()
			if err := q.injectAndStream(ctx, item); err != nil {
				q.logger.Error("injection for task %s failed: %v", item.TaskID, err)
			}
		}()
	}
}

func (q *Queue) injectAndStream(ctx context.Context, item Item) error {
	q.mu.Lock()
	parent := q.parent
	q.mu.Unlock()

	q.bus.Send(ssebus.Event{Type: ssebus.EventOrchestratorStart, Data: map[string]any{"taskId": item.TaskID, "reason": item.Type}})

	if parent == nil {
		q.bus.Send(ssebus.Event{Type: ssebus.EventOrchestratorDone, Data: map[string]any{"taskId": item.TaskID}})
		return fmt.Errorf("no parent agent wired")
	}

	stream, err := parent.ChatStream(ctx, item.Message)
	if err != nil {
		q.bus.Send(ssebus.Event{Type: ssebus.EventOrchestratorDone, Data: map[string]any{"taskId": item.TaskID}})
		return err
	}

	for envelope := range stream {
		q.forward(item.TaskID, envelope)
	}

	q.bus.Send(ssebus.Event{Type: ssebus.EventOrchestratorDone, Data: map[string]any{"taskId": item.TaskID}})
	return nil
}

func (q *Queue) forward(taskID string, envelope agentport.Envelope) {
	switch envelope.Type {
	case agentport.EventTextChunk, agentport.EventTextChunkStart:
		q.bus.Send(ssebus.Event{Type: ssebus.EventOrchestratorText, Data: map[string]any{"taskId": taskID, "delta": envelope.Text.Delta}})
	case agentport.EventThinkChunk, agentport.EventThinkChunkStart:
		q.bus.Send(ssebus.Event{Type: ssebus.EventThinking, Data: map[string]any{"taskId": taskID, "delta": envelope.Text.Delta}})
	case agentport.EventToolStart:
		q.bus.Send(ssebus.Event{Type: ssebus.EventToolStart, Data: map[string]any{"taskId": taskID, "call": envelope.Tool.Call}})
	case agentport.EventToolEnd:
		q.bus.Send(ssebus.Event{Type: ssebus.EventToolEnd, Data: map[string]any{"taskId": taskID, "call": envelope.Tool.Call}})
	case agentport.EventToolError:
		q.bus.Send(ssebus.Event{Type: ssebus.EventToolError, Data: map[string]any{"taskId": taskID, "call": envelope.Tool.Call, "error": envelope.Tool.Error}})
	case agentport.EventDone:
		// orchestrator_done is emitted once by injectAndStream itself.
	}
}
