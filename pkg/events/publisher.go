package events

import (
	"encoding/json"
	"log/slog"
)

// Broadcaster fans a marshaled event out to every subscriber of a
// channel. Implemented by Hub.
type Broadcaster interface {
	Broadcast(channel string, event []byte)
}

// Publisher emits stream events for work items. Every event goes to the
// work item's own channel and to the owning agent's channel, so clients
// can follow either a single work item or everything one agent does.
//
// Publishing is best-effort: marshal failures are logged and the event
// is dropped. Execution never waits on event delivery.
//
// Each public method emits one operation; types.go lists the op set.
type Publisher struct {
	b Broadcaster
}

// NewPublisher creates a Publisher that fans out through b.
func NewPublisher(b Broadcaster) *Publisher {
	return &Publisher{b: b}
}

// --- Typed public methods ---

// PublishToken emits one text delta from the model.
func (p *Publisher) PublishToken(workItemID, agentID, delta string) {
	p.publish(workItemID, agentID, OpToken, map[string]any{
		"delta": delta,
	})
}

// PublishToolCall announces a tool invocation that is about to execute.
func (p *Publisher) PublishToolCall(workItemID, agentID, callID, name string, args json.RawMessage) {
	data := map[string]any{
		"call_id": callID,
		"name":    name,
	}
	if len(args) > 0 {
		data["args"] = args
	}
	p.publish(workItemID, agentID, OpToolCall, data)
}

// PublishToolResult reports the outcome of a finished tool invocation.
func (p *Publisher) PublishToolResult(workItemID, agentID, callID, status, details string) {
	p.publish(workItemID, agentID, OpToolResult, map[string]any{
		"call_id": callID,
		"status":  status,
		"details": details,
	})
}

// PublishThinkingStart marks the beginning of a thinking block.
func (p *Publisher) PublishThinkingStart(workItemID, agentID string) {
	p.publish(workItemID, agentID, OpThinkingStart, map[string]any{})
}

// PublishThinking emits one thinking delta.
func (p *Publisher) PublishThinking(workItemID, agentID, delta string) {
	p.publish(workItemID, agentID, OpThinking, map[string]any{
		"delta": delta,
	})
}

// PublishThinkingDone marks the end of a thinking block.
func (p *Publisher) PublishThinkingDone(workItemID, agentID string) {
	p.publish(workItemID, agentID, OpThinkingDone, map[string]any{})
}

// PublishDone marks the end of the stream for one work item turn.
// Status carries the work item's terminal or paused state, e.g.
// "completed", "failed", "awaiting_approval".
func (p *Publisher) PublishDone(workItemID, agentID, status string) {
	p.publish(workItemID, agentID, OpDone, map[string]any{
		"status": status,
	})
}

// publish marshals the event envelope and broadcasts it to the work
// item channel and the agent channel. The work item and agent IDs ride
// in the data object so agent-channel subscribers can demultiplex.
func (p *Publisher) publish(workItemID, agentID, op string, data map[string]any) {
	data["work_item_id"] = workItemID
	if agentID != "" {
		data["agent_id"] = agentID
	}

	payload, err := json.Marshal(Event{Op: op, Data: data})
	if err != nil {
		slog.Warn("Failed to marshal stream event",
			"op", op, "work_item_id", workItemID, "error", err)
		return
	}

	p.b.Broadcast(WorkChannel(workItemID), payload)
	if agentID != "" {
		p.b.Broadcast(AgentChannel(agentID), payload)
	}
}
