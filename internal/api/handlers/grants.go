package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"famlink/internal/core"
	"famlink/internal/engine"

	"github.com/gin-gonic/gin"
)

// GrantEngine is the read side of the lifecycle engine
type GrantEngine interface {
	Records(childUserID string) []core.GrantRecord
	EnforcedGrant(childUserID string) (string, bool)
	Query(ctx context.Context, childUserID string) (engine.QueryResult, error)
}

// GrantsHandler exposes per-child grant state
type GrantsHandler struct {
	engine GrantEngine
	logger *slog.Logger
}

// NewGrantsHandler creates a new grants handler
func NewGrantsHandler(eng GrantEngine, logger *slog.Logger) *GrantsHandler {
	return &GrantsHandler{engine: eng, logger: logger}
}

// ListGrants returns the engine's records for a child
// GET /v1/children/:id/grants
func (h *GrantsHandler) ListGrants(c *gin.Context) {
	childID := c.Param("id")
	records := h.engine.Records(childID)
	enforced, _ := h.engine.EnforcedGrant(childID)

	response := make([]gin.H, 0, len(records))
	for _, rec := range records {
		g := rec.Grant
		item := gin.H{
			"grant_id":          g.ID,
			"status":            g.Status,
			"state":             rec.State,
			"granted_minutes":   g.GrantedMinutes,
			"remaining_minutes": g.RemainingMinutes(),
			"granted_at":        g.GrantedAt.Format(time.RFC3339),
			"version":           g.Version,
			"local":             rec.Local,
			"enforced":          g.ID == enforced,
			"updated_at":        rec.UpdatedAt.Format(time.RFC3339),
		}
		if !g.ExpiresAt.IsZero() {
			item["expires_at"] = g.ExpiresAt.Format(time.RFC3339)
		}
		if rec.LastError != "" {
			item["last_error"] = rec.LastError
		}
		response = append(response, item)
	}

	c.JSON(http.StatusOK, gin.H{
		"child_id": childID,
		"grants":   response,
	})
}

// GetEnforcement reports what the OS is enforcing for a child
// GET /v1/children/:id/enforcement
func (h *GrantsHandler) GetEnforcement(c *gin.Context) {
	childID := c.Param("id")
	result, err := h.engine.Query(c.Request.Context(), childID)
	if err != nil {
		h.logger.Error("Failed to query enforcement",
			"component", "api",
			"child_id", childID,
			"error", err,
		)
		c.JSON(http.StatusBadGateway, gin.H{
			"error": "Failed to query enforcement",
			"code":  "ENFORCEMENT_ERROR",
		})
		return
	}
	c.JSON(http.StatusOK, result)
}
