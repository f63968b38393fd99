package handlers

import (
	"context"

	"shadegate/internal/logger"
	"shadegate/internal/service"
	"shadegate/internal/session"

	"github.com/gin-gonic/gin"

	swaggerFiles "github.com/swaggo/files"
	ginSwagger "github.com/swaggo/gin-swagger"
)

const defaultDevicePath = "/device"

// Config carries what the HTTP layer needs beyond the services.
type Config struct {
	// DevicePath is where shade controllers open their framed connection.
	DevicePath string
	// Sink receives device sessions; normally the registry.
	Sink session.Sink
	// Session tunes every accepted device session.
	Session session.Options
	// BaseContext outlives single requests and is cancelled on shutdown.
	// Device sessions run under it after the connection is hijacked.
	BaseContext context.Context
}

// Handler wires HTTP layer to services and logging.
type Handler struct {
	services *service.Service
	log      *logger.Logger
	cfg      Config
	sessions sessionTracker
}

// NewHandler constructs a new HTTP handler with dependencies.
func NewHandler(services *service.Service, log *logger.Logger, cfg Config) *Handler {
	if cfg.DevicePath == "" {
		cfg.DevicePath = defaultDevicePath
	}
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	return &Handler{services: services, log: log, cfg: cfg}
}

// InitRoutes builds and returns the Gin router with all routes registered.
func (h *Handler) InitRoutes() *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/swagger/*any", ginSwagger.WrapHandler(swaggerFiles.Handler))

	// Health endpoint
	router.GET("/health", h.health)

	// Device endpoint: unauthenticated, the firmware cannot present credentials
	router.GET(h.cfg.DevicePath, h.deviceConnect)

	// Auth endpoints
	h.registerAuthRoutes(router)

	// Versioned API endpoints (protected)
	h.registerAPIRoutes(router)

	// Dashboard event stream (HTTP upgrade) on the same port
	router.GET("/ws/events", h.wsEvents)

	return router
}

func (h *Handler) registerAuthRoutes(r *gin.Engine) {
	auth := r.Group("/auth")
	{
		auth.POST("/sign-up", h.signUp)
		auth.POST("/sign-in", h.signIn)
	}
}

func (h *Handler) registerAPIRoutes(r *gin.Engine) {
	api := r.Group("/api/v1", h.userIdMiddleware)
	{
		h.registerDeviceRoutes(api)
		h.registerLogRoutes(api)
	}
}

func (h *Handler) registerDeviceRoutes(api *gin.RouterGroup) {
	devices := api.Group("/devices")
	{
		devices.GET("", h.listDevices)
		devices.GET("/:id", h.getDevice)
		// Body example: {"percent":50}
		devices.POST("/:id/percent", h.setPercent)
		// Body example: {"command":87}
		devices.POST("/:id/command", h.sendCommand)
	}
}

func (h *Handler) registerLogRoutes(api *gin.RouterGroup) {
	logs := api.Group("/logs")
	{
		logs.GET("/", h.getLogs)
	}
}
