package handlers

import (
	"net/http"

	"famlink/internal/bridge"

	"github.com/gin-gonic/gin"
)

// HealthHandler handles health check requests
type HealthHandler struct {
	endpoint *bridge.Endpoint
	version  string
}

// NewHealthHandler creates a new health handler. endpoint may be nil.
func NewHealthHandler(endpoint *bridge.Endpoint, version string) *HealthHandler {
	return &HealthHandler{endpoint: endpoint, version: version}
}

// GetHealth returns the health status of the service
// GET /health
func (h *HealthHandler) GetHealth(c *gin.Context) {
	resp := gin.H{
		"status":  "UP",
		"service": "famlink",
		"version": h.version,
	}
	if h.endpoint != nil {
		stats := h.endpoint.Stats()
		resp["bridge"] = gin.H{
			"ready":          h.endpoint.IsReady(),
			"pending":        h.endpoint.Pending(),
			"malformed":      stats.Malformed,
			"late_responses": stats.LateResponses,
			"pushes_dropped": stats.PushesDropped,
		}
	}
	c.JSON(http.StatusOK, resp)
}
