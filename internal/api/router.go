package api

import (
	"log/slog"

	"famlink/internal/api/handlers"
	"famlink/internal/api/middleware"
	"famlink/internal/bridge"

	"github.com/gin-gonic/gin"
)

// RouterConfig holds dependencies for the API router
type RouterConfig struct {
	Engine      handlers.GrantEngine
	Coordinator handlers.Coordinator
	Endpoint    *bridge.Endpoint // optional: enables GET /bridge
	APIKey      string
	Version     string
	Logger      *slog.Logger
}

// NewRouter creates and configures the Gin router
func NewRouter(config RouterConfig) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)

	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	router := gin.New()

	router.Use(middleware.RequestID())
	router.Use(middleware.Recovery(config.Logger))
	router.Use(middleware.Logging(config.Logger))
	router.Use(middleware.ContentType())

	// Health check (no auth)
	healthHandler := handlers.NewHealthHandler(config.Endpoint, config.Version)
	router.GET("/health", healthHandler.GetHealth)

	if config.Endpoint != nil {
		bridgeHandler := handlers.NewBridgeHandler(config.Endpoint, config.Logger)
		router.GET("/bridge", middleware.APIKey(config.APIKey), bridgeHandler.Serve)
	}

	v1 := router.Group("/v1")
	v1.Use(middleware.APIKey(config.APIKey))
	{
		grantsHandler := handlers.NewGrantsHandler(config.Engine, config.Logger)
		v1.GET("/children/:id/grants", grantsHandler.ListGrants)
		v1.GET("/children/:id/enforcement", grantsHandler.GetEnforcement)

		lifecycleHandler := handlers.NewLifecycleHandler(config.Coordinator, config.Logger)
		v1.GET("/lifecycle", lifecycleHandler.GetStatus)
		v1.POST("/lifecycle/app-state", lifecycleHandler.SetAppState)
	}

	return router
}
