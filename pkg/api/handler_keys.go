package api

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/autopoiesis-io/autopoiesis/pkg/agent"
	"github.com/autopoiesis-io/autopoiesis/pkg/workspace"
)

// unlockKeysHandler handles POST /api/v1/keys/unlock. Unlocking caches the
// agent's signing key in memory so approval decisions can be signed.
func (s *Server) unlockKeysHandler(c *gin.Context) {
	rt, req, ok := s.bindKeyRequest(c)
	if !ok {
		return
	}
	if err := rt.Keys.Unlock(req.Passphrase); err != nil {
		mapError(c, err)
		return
	}
	keyID, err := rt.Keys.CurrentKeyID()
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, KeyResponse{AgentID: rt.AgentID, KeyID: keyID})
}

// rotateKeysHandler handles POST /api/v1/keys/rotate. Envelopes issued under
// the previous key need a fresh approval round.
func (s *Server) rotateKeysHandler(c *gin.Context) {
	rt, req, ok := s.bindKeyRequest(c)
	if !ok {
		return
	}
	keyID, err := rt.Keys.Rotate(req.Passphrase)
	if err != nil {
		mapError(c, err)
		return
	}
	c.JSON(http.StatusOK, KeyResponse{AgentID: rt.AgentID, KeyID: keyID})
}

// bindKeyRequest parses the passphrase body and resolves the target agent's
// runtime. On failure it writes the error response and returns ok=false.
func (s *Server) bindKeyRequest(c *gin.Context) (*agent.Runtime, PassphraseRequest, bool) {
	var req PassphraseRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return nil, req, false
	}
	if req.Passphrase == "" {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, "passphrase must not be empty")
		return nil, req, false
	}

	agentID, err := workspace.ResolveAgentName(req.AgentID)
	if err != nil {
		writeError(c, http.StatusBadRequest, codeInvalidRequest, err.Error())
		return nil, req, false
	}
	rt, err := s.registry.GetOrCreate(c.Request.Context(), agentID)
	if err != nil {
		mapError(c, err)
		return nil, req, false
	}
	return rt, req, true
}
