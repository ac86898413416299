// Package events streams execution progress to subscribers over
// WebSocket connections.
//
// Every server event is an envelope {op, data}. The op names what
// happened (token, tool_call, tool_result, thinking_start, thinking,
// thinking_done, done) and data carries the operation-specific payload.
// Clients ignore operations they do not recognise, so new ones can be
// added without a protocol rev.
//
// Events are transient. Nothing is persisted and nothing is replayed on
// reconnect: a client that connects mid-turn sees only what happens
// after it subscribes. The durable record of a turn is the work item
// result and the message history, not the stream.
//
// Delivery is best effort. A slow or broken subscriber is dropped from
// the channel; it never blocks the executing turn or other subscribers.
package events

import "fmt"

// Stream operations carried in the "op" field of every server event.
const (
	// OpToken carries one text delta from the model.
	OpToken = "token"

	// OpToolCall announces that a tool invocation has started.
	OpToolCall = "tool_call"

	// OpToolResult reports the outcome of a finished tool invocation.
	OpToolResult = "tool_result"

	// OpThinkingStart marks the beginning of a thinking block.
	OpThinkingStart = "thinking_start"

	// OpThinking carries one thinking delta.
	OpThinking = "thinking"

	// OpThinkingDone marks the end of a thinking block.
	OpThinkingDone = "thinking_done"

	// OpDone marks the end of the stream for one work item turn.
	OpDone = "done"
)

// Control message types sent on the WebSocket itself.
const (
	MessageTypeConnectionEstablished = "connection.established"
	MessageTypeSubscriptionConfirmed = "subscription.confirmed"
	MessageTypePong                  = "pong"
)

// Client actions accepted on the WebSocket.
const (
	ActionSubscribe   = "subscribe"
	ActionUnsubscribe = "unsubscribe"
	ActionPing        = "ping"
)

// WorkChannel returns the channel carrying events for one work item.
// Format: "work:{work_item_id}"
func WorkChannel(workItemID string) string {
	return fmt.Sprintf("work:%s", workItemID)
}

// AgentChannel returns the channel carrying events for every work item
// executed by one agent. Format: "agent:{agent_id}"
func AgentChannel(agentID string) string {
	return fmt.Sprintf("agent:%s", agentID)
}

// Event is the envelope delivered to subscribers.
type Event struct {
	Op   string         `json:"op"`
	Data map[string]any `json:"data"`
}

// ClientMessage is the JSON structure for client to server WebSocket messages.
type ClientMessage struct {
	Action  string `json:"action"`            // "subscribe", "unsubscribe", "ping"
	Channel string `json:"channel,omitempty"` // e.g. "work:abc-123"
}
