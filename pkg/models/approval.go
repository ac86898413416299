package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// SignedObjectContext tags the payload format of signed approval objects.
const SignedObjectContext = "approval.v1"

// Scope binds an approval envelope to exactly one execution context. A
// signed decision set replayed into a different workspace, work item, or
// agent fails scope verification.
type Scope struct {
	WorkspaceRoot string `json:"workspace_root"`
	WorkItemID    string `json:"work_item_id"`
	AgentName     string `json:"agent_name"`
}

// ToolCallRequest is one pending tool invocation awaiting approval.
type ToolCallRequest struct {
	ToolCallID string          `json:"tool_call_id"`
	ToolName   string          `json:"tool_name"`
	Args       json.RawMessage `json:"args,omitempty"`
}

// DeferredToolRequests is the payload handed to the approver: the envelope
// nonce, a short plan-hash prefix for display, and the ordered requests.
type DeferredToolRequests struct {
	Nonce          string            `json:"nonce"`
	PlanHashPrefix string            `json:"plan_hash_prefix"`
	Requests       []ToolCallRequest `json:"requests"`
}

// Decision is one approver verdict for a pending tool call.
type Decision struct {
	ToolCallID    string  `json:"tool_call_id"`
	Approved      bool    `json:"approved"`
	DenialMessage *string `json:"denial_message,omitempty"`
}

// DecisionsSubmission is the approver's answer for one envelope.
type DecisionsSubmission struct {
	Nonce     string     `json:"nonce"`
	Decisions []Decision `json:"decisions"`
}

// SignedObject is the exact structure whose canonical bytes are signed.
type SignedObject struct {
	Ctx       string     `json:"ctx"`
	Nonce     string     `json:"nonce"`
	PlanHash  string     `json:"plan_hash"`
	KeyID     string     `json:"key_id"`
	Decisions []Decision `json:"decisions"`
}

// EnvelopeState tracks an approval envelope through its lifecycle.
type EnvelopeState string

const (
	EnvelopePending  EnvelopeState = "pending"
	EnvelopeConsumed EnvelopeState = "consumed"
	EnvelopeExpired  EnvelopeState = "expired"
)

// IsValid checks if the envelope state is valid
func (s EnvelopeState) IsValid() bool {
	switch s {
	case EnvelopePending, EnvelopeConsumed, EnvelopeExpired:
		return true
	default:
		return false
	}
}

// Envelope is one durable approval record.
type Envelope struct {
	ID               string        `json:"id"`
	Nonce            string        `json:"nonce"`
	ScopeJSON        string        `json:"scope_json"`
	ToolCallsJSON    string        `json:"tool_calls_json"`
	PlanHash         string        `json:"plan_hash"`
	KeyID            string        `json:"key_id"`
	SignedObjectJSON string        `json:"signed_object_json,omitempty"`
	SignatureHex     string        `json:"signature_hex,omitempty"`
	State            EnvelopeState `json:"state"`
	IssuedAt         time.Time     `json:"issued_at"`
	ExpiresAt        time.Time     `json:"expires_at"`
	ConsumedAt       *time.Time    `json:"consumed_at,omitempty"`
}

// ToolCalls decodes the envelope's ordered tool-call list.
func (e *Envelope) ToolCalls() ([]ToolCallRequest, error) {
	var calls []ToolCallRequest
	if err := json.Unmarshal([]byte(e.ToolCallsJSON), &calls); err != nil {
		return nil, fmt.Errorf("decode envelope tool calls: %w", err)
	}
	return calls, nil
}

// DeferredToolResults maps tool_call_id to the verified approver verdict on
// a continuation turn.
type DeferredToolResults struct {
	decisions map[string]Decision
}

// NewDeferredToolResults indexes verified decisions by tool_call_id.
func NewDeferredToolResults(decisions []Decision) *DeferredToolResults {
	indexed := make(map[string]Decision, len(decisions))
	for _, d := range decisions {
		indexed[d.ToolCallID] = d
	}
	return &DeferredToolResults{decisions: indexed}
}

// Lookup returns the verdict for a tool call, if one was submitted.
func (r *DeferredToolResults) Lookup(toolCallID string) (Decision, bool) {
	d, ok := r.decisions[toolCallID]
	return d, ok
}

// Len returns the number of verdicts carried.
func (r *DeferredToolResults) Len() int { return len(r.decisions) }
