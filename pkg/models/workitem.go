package models

import (
	"encoding/json"
	"fmt"
)

// WorkItemType identifies the kind of work carried by an item.
type WorkItemType string

const (
	WorkItemChat     WorkItemType = "chat"
	WorkItemCode     WorkItemType = "code"
	WorkItemReview   WorkItemType = "review"
	WorkItemPlanning WorkItemType = "planning"
)

// IsValid checks if the work item type is valid
func (t WorkItemType) IsValid() bool {
	switch t {
	case WorkItemChat, WorkItemCode, WorkItemReview, WorkItemPlanning:
		return true
	default:
		return false
	}
}

// Priority orders work items within one agent queue.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// IsValid checks if the priority is valid
func (p Priority) IsValid() bool {
	switch p {
	case PriorityCritical, PriorityNormal, PriorityLow:
		return true
	default:
		return false
	}
}

// Weight maps a priority to its dequeue precedence; higher dequeues first.
func (p Priority) Weight() int {
	switch p {
	case PriorityCritical:
		return 2
	case PriorityNormal:
		return 1
	default:
		return 0
	}
}

// WorkItemInput carries the turn's payload. Exactly one of Prompt or
// DeferredToolResultsJSON is set: a fresh item carries a prompt, a
// continuation carries the signed approval decisions.
type WorkItemInput struct {
	Prompt                  string `json:"prompt,omitempty"`
	MessageHistoryJSON      string `json:"message_history_json,omitempty"`
	DeferredToolResultsJSON string `json:"deferred_tool_results_json,omitempty"`
	ApprovalContextID       string `json:"approval_context_id,omitempty"`
}

// WorkItem is an immutable job descriptor routed to one agent's queue.
type WorkItem struct {
	ID       string        `json:"id"`
	Type     WorkItemType  `json:"type"`
	Priority Priority      `json:"priority"`
	AgentID  string        `json:"agent_id"`
	TopicRef string        `json:"topic_ref,omitempty"`
	Input    WorkItemInput `json:"input"`
}

// Validate checks the structural invariants of a work item before it is
// accepted into a queue.
func (w *WorkItem) Validate() error {
	if w.ID == "" {
		return fmt.Errorf("work item id must not be empty")
	}
	if !w.Type.IsValid() {
		return fmt.Errorf("invalid work item type %q", w.Type)
	}
	if !w.Priority.IsValid() {
		return fmt.Errorf("invalid priority %q", w.Priority)
	}
	if w.AgentID == "" {
		return fmt.Errorf("work item agent_id must not be empty")
	}
	hasPrompt := w.Input.Prompt != ""
	hasDecisions := w.Input.DeferredToolResultsJSON != ""
	if hasPrompt == hasDecisions {
		return fmt.Errorf("work item must carry exactly one of prompt or deferred_tool_results_json")
	}
	if hasDecisions && w.Input.ApprovalContextID == "" {
		return fmt.Errorf("continuation work item must carry approval_context_id")
	}
	return nil
}

// IsContinuation reports whether the item answers a pending approval.
func (w *WorkItem) IsContinuation() bool {
	return w.Input.DeferredToolResultsJSON != ""
}

// WorkItemOutput is the result of one turn. Exactly one of Text or
// DeferredToolRequestsJSON is set.
type WorkItemOutput struct {
	Text                     string `json:"text,omitempty"`
	DeferredToolRequestsJSON string `json:"deferred_tool_requests_json,omitempty"`
	MessageHistoryJSON       string `json:"message_history_json"`
}

// Validate checks the output invariant.
func (o *WorkItemOutput) Validate() error {
	hasText := o.Text != ""
	hasDeferred := o.DeferredToolRequestsJSON != ""
	if hasText == hasDeferred {
		return fmt.Errorf("work item output must carry exactly one of text or deferred_tool_requests_json")
	}
	return nil
}

// IsDeferred reports whether the turn paused for tool approval.
func (o *WorkItemOutput) IsDeferred() bool {
	return o.DeferredToolRequestsJSON != ""
}

// DecodeWorkItem parses a WorkItem from its queue transport form.
func DecodeWorkItem(data []byte) (*WorkItem, error) {
	var item WorkItem
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("decode work item: %w", err)
	}
	return &item, nil
}
