package handlers

import (
	"net/http"

	"shadegate/internal/session"

	"github.com/gin-gonic/gin"
)

// deviceConnect upgrades a shade controller's request and runs its session
// on the request goroutine until the device goes away.
func (h *Handler) deviceConnect(c *gin.Context) {
	r := c.Request
	if !session.IsUpgrade(r) && r.Header.Get("Sec-WebSocket-Key") == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "expected websocket upgrade"})
		return
	}

	if !h.sessions.add() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "shutting down"})
		return
	}
	defer h.sessions.done()

	conn, br, err := session.Accept(c.Writer, r)
	if err != nil {
		if h.log != nil {
			h.log.Infow("device_handshake_failed", "remote", r.RemoteAddr, "err", err)
		}
		return
	}
	if h.log != nil {
		h.log.Infow("device_connected", "remote", conn.RemoteAddr().String())
	}

	s := session.New(conn, br, h.cfg.Sink, h.log, h.cfg.Session)
	s.Serve(h.cfg.BaseContext)
}
