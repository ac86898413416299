package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/autopoiesis-io/autopoiesis/pkg/agent"
	"github.com/autopoiesis-io/autopoiesis/pkg/approval"
	"github.com/autopoiesis-io/autopoiesis/pkg/models"
)

// listApprovalsHandler handles GET /api/v1/approvals. It reports pending
// envelopes across every loaded runtime.
func (s *Server) listApprovalsHandler(c *gin.Context) {
	resp := ApprovalsResponse{Approvals: []PendingApproval{}}

	for _, rt := range s.registry.Runtimes() {
		envelopes, err := rt.Approvals.ListPending(c.Request.Context())
		if err != nil {
			mapError(c, err)
			return
		}
		for _, env := range envelopes {
			pending, err := pendingApproval(rt.AgentID, env)
			if err != nil {
				s.logger.Error("Skipping malformed envelope",
					"agent_id", rt.AgentID, "nonce", env.Nonce, "error", err)
				continue
			}
			resp.Approvals = append(resp.Approvals, pending)
		}
	}
	c.JSON(http.StatusOK, resp)
}

// decideApprovalsHandler handles POST /api/v1/approvals/:nonce/decisions.
// It signs the decision set with the agent's unlocked key and enqueues the
// continuation work item; verification and consumption happen on the worker.
func (s *Server) decideApprovalsHandler(c *gin.Context) {
	nonce := c.Param("nonce")

	var req DecisionsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return
	}
	if len(req.Decisions) == 0 {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, "decisions must not be empty")
		return
	}

	ctx := c.Request.Context()
	rt, env, err := s.findEnvelope(ctx, req.AgentID, nonce)
	if err != nil {
		mapError(c, err)
		return
	}

	// The worker's VerifyAndConsume is authoritative; consumed or expired
	// envelopes are answered here so the client sees the rejection instead
	// of a continuation that fails in the background.
	if env.State != models.EnvelopePending || time.Now().After(env.ExpiresAt) {
		writeError(c, http.StatusConflict, approval.CodeExpiredOrUnknown,
			fmt.Sprintf("envelope %s is %s or expired; request a fresh approval", nonce, env.State))
		return
	}

	if err := rt.Approvals.StoreSignedApproval(ctx, nonce, req.Decisions, rt.Keys); err != nil {
		mapError(c, err)
		return
	}

	var scope models.Scope
	if err := json.Unmarshal([]byte(env.ScopeJSON), &scope); err != nil {
		mapError(c, err)
		return
	}
	submission, err := json.Marshal(models.DecisionsSubmission{Nonce: nonce, Decisions: req.Decisions})
	if err != nil {
		mapError(c, err)
		return
	}

	// Continuations resume a suspended turn, so they go ahead of fresh work.
	continuation := &models.WorkItem{
		ID:       uuid.NewString(),
		Type:     models.WorkItemChat,
		Priority: models.PriorityCritical,
		AgentID:  rt.AgentID,
		Input: models.WorkItemInput{
			DeferredToolResultsJSON: string(submission),
			ApprovalContextID:       scope.WorkItemID,
		},
	}
	if err := s.dispatcher.Enqueue(continuation); err != nil {
		mapError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, DecisionsResponse{
		Nonce:          nonce,
		ContinuationID: continuation.ID,
		Status:         "queued",
	})
}

// findEnvelope locates the runtime holding the nonce. With an agent hint the
// runtime is loaded on demand, which covers envelopes that survived a server
// restart; without one, only loaded runtimes are scanned.
func (s *Server) findEnvelope(ctx context.Context, agentID, nonce string) (*agent.Runtime, *models.Envelope, error) {
	if agentID != "" {
		rt, err := s.registry.GetOrCreate(ctx, agentID)
		if err != nil {
			return nil, nil, err
		}
		env, err := rt.Approvals.Get(ctx, nonce)
		if err != nil {
			return nil, nil, err
		}
		return rt, env, nil
	}

	for _, rt := range s.registry.Runtimes() {
		env, err := rt.Approvals.Get(ctx, nonce)
		if errors.Is(err, approval.ErrEnvelopeNotFound) {
			continue
		}
		if err != nil {
			return nil, nil, err
		}
		return rt, env, nil
	}
	return nil, nil, approval.ErrEnvelopeNotFound
}

// pendingApproval shapes one envelope for the approvals listing.
func pendingApproval(agentID string, env *models.Envelope) (PendingApproval, error) {
	payload, err := approval.DeferredRequestsPayload(env)
	if err != nil {
		return PendingApproval{}, err
	}
	var scope models.Scope
	if err := json.Unmarshal([]byte(env.ScopeJSON), &scope); err != nil {
		return PendingApproval{}, err
	}
	return PendingApproval{
		AgentID:        agentID,
		WorkItemID:     scope.WorkItemID,
		Nonce:          env.Nonce,
		PlanHashPrefix: payload.PlanHashPrefix,
		Requests:       payload.Requests,
		IssuedAt:       env.IssuedAt,
		ExpiresAt:      env.ExpiresAt,
	}, nil
}
