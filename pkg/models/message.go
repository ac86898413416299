package models

import (
	"encoding/json"
	"fmt"
)

// Role identifies the author of a conversation message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is one entry of a work item's conversation history. Tool-call
// requests ride on assistant messages; tool returns carry the originating
// tool_call_id.
type Message struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// Set on tool-return messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
	ToolName   string `json:"tool_name,omitempty"`
	IsError    bool   `json:"is_error,omitempty"`

	// Origin marks synthetic messages injected by the history pipeline
	// (materialisation, topic context, compaction summaries) so the pipeline
	// can strip and regenerate them.
	Origin string `json:"origin,omitempty"`
}

// Pipeline-injected message origins.
const (
	OriginMaterialisation = "materialisation"
	OriginTopicContext    = "topic_context"
	OriginCompaction      = "compaction"
)

// ToolCall is one model-requested tool invocation.
type ToolCall struct {
	ID   string          `json:"id"`
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// EncodeHistory serialises a conversation history for checkpointing and
// queue transport.
func EncodeHistory(messages []Message) (string, error) {
	data, err := json.Marshal(messages)
	if err != nil {
		return "", fmt.Errorf("encode history: %w", err)
	}
	return string(data), nil
}

// DecodeHistory parses a serialised conversation history. An empty input
// decodes to an empty history.
func DecodeHistory(historyJSON string) ([]Message, error) {
	if historyJSON == "" {
		return nil, nil
	}
	var messages []Message
	if err := json.Unmarshal([]byte(historyJSON), &messages); err != nil {
		return nil, fmt.Errorf("decode history: %w", err)
	}
	return messages, nil
}
