package web

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/orenshk/babyguard/internal/realtime"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// handleEvents upgrades the connection and registers it with the fan-out
// hub. The read loop only drains control frames; events flow one way, from
// the server to the client.
func (s *Server) handleEvents(c *gin.Context) {
	id, err := strconv.ParseInt(c.GetHeader("X-User-ID"), 10, 64)
	if err != nil || id < 1 {
		// Browsers cannot set headers on websocket dials, so the user id
		// may arrive as a query parameter instead.
		id, err = strconv.ParseInt(c.Query("user_id"), 10, 64)
		if err != nil || id < 1 {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Missing or invalid user identity"})
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("Websocket upgrade failed", "error", err)
		return
	}

	wsConn := realtime.NewWSConn(conn)
	s.hub.Connect(id, wsConn)
	defer func() {
		s.hub.Disconnect(id, wsConn)
		wsConn.Close()
	}()

	conn.SetReadLimit(512)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
