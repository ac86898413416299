package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/autopoiesis-io/autopoiesis/pkg/version"
)

// healthHandler handles GET /api/v1/health.
func (s *Server) healthHandler(c *gin.Context) {
	resp := HealthResponse{
		Status:     "healthy",
		Version:    version.Full(),
		Dispatcher: s.dispatcher.Health(),
	}
	if s.hub != nil {
		resp.WSConnections = s.hub.ActiveConnections()
	}

	for _, rt := range s.registry.Runtimes() {
		keyring := "locked"
		switch {
		case !rt.Keys.Initialized():
			keyring = "uninitialized"
		case rt.Keys.Unlocked():
			keyring = "unlocked"
		}

		approvals := "healthy"
		if _, err := rt.Approvals.ListPending(c.Request.Context()); err != nil {
			approvals = "unhealthy"
			resp.Status = "degraded"
		}

		resp.Agents = append(resp.Agents, AgentHealth{
			AgentID:   rt.AgentID,
			Keyring:   keyring,
			Approvals: approvals,
		})
	}

	status := http.StatusOK
	if !resp.Dispatcher.Running {
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, resp)
}
