package api

import (
	"net/http"

	"github.com/coder/websocket"
	"github.com/gin-gonic/gin"
)

// wsHandler handles GET /ws. It upgrades the connection and hands it to the
// hub, which runs the subscribe/unsubscribe protocol until the client
// disconnects.
func (s *Server) wsHandler(c *gin.Context) {
	if s.hub == nil {
		writeError(c, http.StatusServiceUnavailable, codeUnavailable, "event streaming is not enabled")
		return
	}

	conn, err := websocket.Accept(c.Writer, c.Request, &websocket.AcceptOptions{
		// Same-origin is accepted by default; the config widens it.
		OriginPatterns: s.cfg.Server.AllowedWSOrigins,
	})
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed", "error", err)
		return
	}

	s.hub.HandleConnection(c.Request.Context(), conn)
}
