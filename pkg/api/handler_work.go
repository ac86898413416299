package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/autopoiesis-io/autopoiesis/pkg/models"
	"github.com/autopoiesis-io/autopoiesis/pkg/workspace"
)

// submitWorkHandler handles POST /api/v1/work. The item is queued and the
// caller observes progress over /ws or polls approvals.
func (s *Server) submitWorkHandler(c *gin.Context) {
	item, ok := s.bindWorkItem(c)
	if !ok {
		return
	}
	if err := s.dispatcher.Enqueue(item); err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, SubmitWorkResponse{
		ID:      item.ID,
		AgentID: item.AgentID,
		Status:  "queued",
	})
}

// waitWorkHandler handles POST /api/v1/work/wait. It blocks until the item
// reaches a terminal output and returns it; a deferred output carries the
// pending approval requests.
func (s *Server) waitWorkHandler(c *gin.Context) {
	item, ok := s.bindWorkItem(c)
	if !ok {
		return
	}
	output, err := s.dispatcher.EnqueueAndWait(c.Request.Context(), item)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, output)
}

// cancelWorkHandler handles DELETE /api/v1/work/:id.
func (s *Server) cancelWorkHandler(c *gin.Context) {
	id := c.Param("id")
	if !s.dispatcher.Cancel(id) {
		writeError(c, http.StatusNotFound, codeNotFound, "no queued or running work item with id "+id)
		return
	}
	c.JSON(http.StatusOK, CancelWorkResponse{ID: id, Cancelled: true})
}

// bindWorkItem parses and validates a submission into a WorkItem. On failure
// it writes the error response and returns ok=false.
func (s *Server) bindWorkItem(c *gin.Context) (*models.WorkItem, bool) {
	var req SubmitWorkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return nil, false
	}

	agentID, err := workspace.ResolveAgentName(req.AgentID)
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return nil, false
	}

	itemType := models.WorkItemType(req.Type)
	if req.Type == "" {
		itemType = models.WorkItemChat
	}
	priority := models.Priority(req.Priority)
	if req.Priority == "" {
		priority = models.PriorityNormal
	}

	item := &models.WorkItem{
		ID:       uuid.NewString(),
		Type:     itemType,
		Priority: priority,
		AgentID:  agentID,
		TopicRef: req.TopicRef,
		Input: models.WorkItemInput{
			Prompt:             req.Prompt,
			MessageHistoryJSON: req.MessageHistoryJSON,
		},
	}
	if err := item.Validate(); err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return nil, false
	}
	return item, true
}
