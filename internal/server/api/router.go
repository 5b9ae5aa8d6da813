package api

import (
	"net/http"

	"synkros/internal/server/config"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

// SetupRouter creates and configures the echo router with all routes and middleware.
func SetupRouter(handler *Handler, cfg *config.Config) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = httpErrorHandler

	// Global middleware
	e.Use(RayID())
	e.Use(RequestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:  cfg.AllowedOrigins,
		AllowMethods:  []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowHeaders:  []string{echo.HeaderContentType, echo.HeaderAuthorization},
		ExposeHeaders: []string{"X-Original-Filename", rayIDHeader, echo.HeaderContentLength},
	}))

	// Uploads and room creation/joins are rate-limited; polling is not.
	limiter := NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	limited := limiter.Middleware()

	// Health, status & stats
	e.GET("/health", handler.HandleHealth)
	e.GET("/api/status", handler.HandleStatus)
	e.GET("/api/stats", handler.HandleStats)

	// Operator endpoints
	admin := AdminAuth(cfg.AdminToken)
	e.GET("/api/system", handler.HandleSystem, admin)
	e.POST("/api/cleanup", handler.HandleCleanup, limited, admin)

	// Files
	e.POST("/api/files", handler.HandleUpload, limited)
	e.POST("/api/files/sendmail", handler.HandleSendmail, limited)
	e.GET("/files/download/:uuid", handler.HandleDownload)
	e.GET("/files/:uuid", handler.HandleInfo)

	// P2P signaling
	direct := e.Group("/direct")
	direct.GET("/config", handler.HandleDirectConfig)
	direct.POST("/rooms", handler.HandleCreateRoom, limited)
	direct.GET("/rooms/:code", handler.HandleValidateRoom, limited)
	direct.POST("/rooms/:code/join", handler.HandleJoinRoom, limited)
	direct.POST("/rooms/:code/signal", handler.HandleSignal)
	direct.GET("/rooms/:code/poll", handler.HandlePoll)
	direct.POST("/rooms/:code/leave", handler.HandleLeaveRoom)

	return e
}
