package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"famlink/internal/lifecycle"

	"github.com/gin-gonic/gin"
)

// Coordinator is the part of the lifecycle coordinator the API drives
type Coordinator interface {
	SetAppState(ctx context.Context, state lifecycle.AppState) error
	Status() lifecycle.Status
}

// LifecycleHandler reports and changes the app state
type LifecycleHandler struct {
	coordinator Coordinator
	logger      *slog.Logger
}

// NewLifecycleHandler creates a new lifecycle handler
func NewLifecycleHandler(coordinator Coordinator, logger *slog.Logger) *LifecycleHandler {
	return &LifecycleHandler{coordinator: coordinator, logger: logger}
}

// AppStateRequest is the body of POST /v1/lifecycle/app-state
type AppStateRequest struct {
	State string `json:"state" binding:"required"`
}

// GetStatus returns the coordinator status
// GET /v1/lifecycle
func (h *LifecycleHandler) GetStatus(c *gin.Context) {
	c.JSON(http.StatusOK, h.coordinator.Status())
}

// SetAppState moves the app to foreground or background
// POST /v1/lifecycle/app-state
func (h *LifecycleHandler) SetAppState(c *gin.Context) {
	var req AppStateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": "Invalid request body",
			"code":  "INVALID_REQUEST",
		})
		return
	}

	state, err := lifecycle.ParseAppState(req.State)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error": err.Error(),
			"code":  "INVALID_STATE",
		})
		return
	}

	if err := h.coordinator.SetAppState(c.Request.Context(), state); err != nil {
		code := http.StatusBadGateway
		if errors.Is(err, lifecycle.ErrUnknownAppState) {
			code = http.StatusBadRequest
		}
		h.logger.Error("Failed to change app state",
			"component", "api",
			"state", state,
			"error", err,
		)
		c.JSON(code, gin.H{
			"error":  err.Error(),
			"code":   "SYNC_ERROR",
			"status": h.coordinator.Status(),
		})
		return
	}
	c.JSON(http.StatusOK, h.coordinator.Status())
}
