package api

import (
	"ferry/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true

	// Global middleware
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders: []string{"Content-Type", "Authorization", "X-File-Password"},
	}))
	e.Use(RequestLogger())

	auth := NewAuthenticator(cfg.JWTSecret)
	requireAuth := auth.RequireAuth()

	// Rate limiter on upload endpoint only
	uploadLimiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	stopOnShutdown(e, uploadLimiter)

	// Health & stats
	e.GET("/health", handler.HandleHealth)
	e.GET("/api/stats", handler.HandleStats)

	files := e.Group("/api/files")

	// Owner routes
	files.POST("/upload", handler.HandleUpload, uploadLimiter.Middleware(), requireAuth)
	files.GET("", handler.HandleListFiles, requireAuth)
	files.GET("/quota", handler.HandleQuota, requireAuth)
	files.GET("/stats", handler.HandleUserStats, requireAuth)
	files.DELETE("/:code", handler.HandleDelete, requireAuth)

	// Public share-code routes
	files.GET("/:code/info", handler.HandleInfo)
	files.GET("/:code/preview", handler.HandlePreview)
	files.POST("/:code/verify", handler.HandleVerify)
	files.GET("/:code", handler.HandleDownload)

	// Admin
	admin := e.Group("/api/admin", requireAuth, RequireAdmin())
	admin.GET("/settings", handler.HandleGetSettings)
	admin.PUT("/settings", handler.HandleUpdateSettings)
	admin.POST("/sweep", handler.HandleSweep)

	return e
}

// stopOnShutdown ends the limiter's cleanup loop when e shuts down.
func stopOnShutdown(e *echo.Echo, rl *RateLimiter) {
	e.Server.RegisterOnShutdown(rl.Stop)
}
