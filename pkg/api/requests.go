package api

import "github.com/autopoiesis-io/autopoiesis/pkg/models"

// SubmitWorkRequest is the body of POST /api/v1/work and /api/v1/work/wait.
type SubmitWorkRequest struct {
	// AgentID routes the item; empty selects the default agent.
	AgentID string `json:"agent_id,omitempty"`

	// Type defaults to "chat".
	Type string `json:"type,omitempty"`

	// Priority defaults to "normal".
	Priority string `json:"priority,omitempty"`

	// TopicRef optionally activates one topic for this item.
	TopicRef string `json:"topic_ref,omitempty"`

	Prompt string `json:"prompt"`

	// MessageHistoryJSON seeds the turn with prior conversation. A
	// checkpoint for the same item id supersedes it.
	MessageHistoryJSON string `json:"message_history_json,omitempty"`
}

// DecisionsRequest is the body of POST /api/v1/approvals/:nonce/decisions.
// The nonce comes from the path.
type DecisionsRequest struct {
	// AgentID names the agent holding the envelope; empty scans all loaded
	// runtimes.
	AgentID string `json:"agent_id,omitempty"`

	Decisions []models.Decision `json:"decisions"`
}

// PassphraseRequest is the body of the key unlock and rotate endpoints.
type PassphraseRequest struct {
	// AgentID selects the keyring; empty selects the default agent.
	AgentID string `json:"agent_id,omitempty"`

	Passphrase string `json:"passphrase"`
}
