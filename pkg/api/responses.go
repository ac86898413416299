package api

import (
	"time"

	"github.com/autopoiesis-io/autopoiesis/pkg/models"
	"github.com/autopoiesis-io/autopoiesis/pkg/queue"
)

// SubmitWorkResponse is returned by POST /api/v1/work.
type SubmitWorkResponse struct {
	ID      string `json:"id"`
	AgentID string `json:"agent_id"`
	Status  string `json:"status"`
}

// CancelWorkResponse is returned by DELETE /api/v1/work/:id.
type CancelWorkResponse struct {
	ID        string `json:"id"`
	Cancelled bool   `json:"cancelled"`
}

// PendingApproval is one envelope awaiting decisions.
type PendingApproval struct {
	AgentID        string                   `json:"agent_id"`
	WorkItemID     string                   `json:"work_item_id"`
	Nonce          string                   `json:"nonce"`
	PlanHashPrefix string                   `json:"plan_hash_prefix"`
	Requests       []models.ToolCallRequest `json:"requests"`
	IssuedAt       time.Time                `json:"issued_at"`
	ExpiresAt      time.Time                `json:"expires_at"`
}

// ApprovalsResponse is returned by GET /api/v1/approvals.
type ApprovalsResponse struct {
	Approvals []PendingApproval `json:"approvals"`
}

// DecisionsResponse is returned by POST /api/v1/approvals/:nonce/decisions
// once the continuation is queued.
type DecisionsResponse struct {
	Nonce          string `json:"nonce"`
	ContinuationID string `json:"continuation_id"`
	Status         string `json:"status"`
}

// KeyResponse is returned by the key unlock and rotate endpoints.
type KeyResponse struct {
	AgentID string `json:"agent_id"`
	KeyID   string `json:"key_id"`
}

// AgentHealth is one runtime's store status.
type AgentHealth struct {
	AgentID   string `json:"agent_id"`
	Keyring   string `json:"keyring"`
	Approvals string `json:"approvals"`
}

// HealthResponse is returned by GET /api/v1/health.
type HealthResponse struct {
	Status        string                 `json:"status"`
	Version       string                 `json:"version"`
	Dispatcher    queue.DispatcherHealth `json:"dispatcher"`
	Agents        []AgentHealth          `json:"agents,omitempty"`
	WSConnections int                    `json:"ws_connections"`
}
