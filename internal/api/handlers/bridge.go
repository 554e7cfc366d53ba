package handlers

import (
	"log/slog"
	"net/http"
	"sync"

	"famlink/internal/bridge"
	"famlink/internal/bridge/wstransport"

	"github.com/gin-gonic/gin"
)

// BridgeHandler serves the embedded content's bridge over a websocket.
// One socket is attached at a time; a new connection replaces the old one.
type BridgeHandler struct {
	endpoint *bridge.Endpoint
	logger   *slog.Logger

	mu      sync.Mutex
	current *wstransport.Conn
}

// NewBridgeHandler creates a new bridge handler
func NewBridgeHandler(endpoint *bridge.Endpoint, logger *slog.Logger) *BridgeHandler {
	return &BridgeHandler{endpoint: endpoint, logger: logger}
}

// Serve upgrades the request and runs the socket until it closes
// GET /bridge
func (h *BridgeHandler) Serve(c *gin.Context) {
	conn, err := wstransport.Accept(c.Writer, c.Request, h.endpoint, h.logger)
	if err != nil {
		h.logger.Warn("Bridge upgrade failed", "component", "api", "error", err)
		if !c.Writer.Written() {
			c.JSON(http.StatusBadRequest, gin.H{
				"error": "Websocket upgrade required",
				"code":  "UPGRADE_REQUIRED",
			})
		}
		return
	}

	h.mu.Lock()
	prev := h.current
	h.current = conn
	h.mu.Unlock()
	if prev != nil {
		_ = prev.Close()
	}

	if err := conn.Run(c.Request.Context()); err != nil {
		h.logger.Debug("Bridge socket ended", "component", "api", "error", err)
	}

	h.mu.Lock()
	if h.current == conn {
		h.current = nil
	}
	h.mu.Unlock()
}
