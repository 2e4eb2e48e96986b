package web

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/orenshk/babyguard/internal/connection"
	"github.com/orenshk/babyguard/internal/logger"
	"github.com/orenshk/babyguard/internal/monitor"
	"github.com/orenshk/babyguard/internal/realtime"
	"github.com/orenshk/babyguard/internal/store"
	"github.com/orenshk/babyguard/internal/training"
)

// Config contains web server configuration.
type Config struct {
	Host          string
	Port          int
	WaitTimeout   time.Duration // camera wait deadline
	StagingDir    string        // upload staging area for model updates
	DetectionsDir string
}

// Server is the HTTP and websocket front of the monitoring engine.
type Server struct {
	config       Config
	logger       *logger.Logger
	httpServer   *http.Server
	router       *gin.Engine
	store        *store.Store
	connections  *connection.Registry
	monitor      *monitor.Manager
	orchestrator *training.Orchestrator
	hub          *realtime.Hub
}

// NewServer creates the web server with all its collaborators.
func NewServer(
	cfg Config,
	st *store.Store,
	connections *connection.Registry,
	mon *monitor.Manager,
	orchestrator *training.Orchestrator,
	hub *realtime.Hub,
	log *logger.Logger,
) *Server {
	gin.SetMode(gin.ReleaseMode)

	router := gin.New()
	router.Use(ginLogger(log))
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())

	s := &Server{
		config:       cfg,
		logger:       log,
		router:       router,
		store:        st,
		connections:  connections,
		monitor:      mon,
		orchestrator: orchestrator,
		hub:          hub,
	}
	s.setupRoutes()
	return s
}

// Start launches the HTTP server.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:        addr,
		Handler:     s.router,
		ReadTimeout: 30 * time.Second,
		// Write and idle timeouts stay disabled: the camera wait endpoint
		// and websockets hold connections open past any fixed deadline.
		WriteTimeout: 0,
		IdleTimeout:  0,
	}

	go func() {
		s.logger.Info("Starting web server", "address", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("Web server error", "error", err, "address", addr)
		}
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop shuts the HTTP server down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	s.logger.Info("Stopping web server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) setupRoutes() {
	// The camera check-in endpoint is unauthenticated: the device only
	// reports its own address and gets no data back.
	s.router.POST("/api/camera/report_ip", s.handleReportIP)

	api := s.router.Group("/api", s.requireUser())
	{
		api.GET("/health", s.handleHealth)

		camera := api.Group("/camera")
		{
			camera.POST("/wait", s.handleWaitForCamera)
			camera.POST("/disconnect", s.handleDisconnectCamera)
			camera.POST("/reset", s.handleResetCameras)
		}

		monitoring := api.Group("/monitoring")
		{
			monitoring.POST("/start", s.handleStartMonitoring)
			monitoring.POST("/stop", s.handleStopMonitoring)
		}

		api.POST("/model/update", s.handleModelUpdate)
		api.GET("/streams", s.handleListStreams)

		detections := api.Group("/detections")
		{
			detections.GET("/:profile_id", s.handleListDetections)
			detections.GET("/:profile_id/image/:id", s.handleDetectionImage)
			detections.DELETE("/:profile_id/all", s.handleDeleteProfileDetections)
			detections.DELETE("/:profile_id/:id", s.handleDeleteDetection)
		}

		push := api.Group("/push")
		{
			push.POST("/token", s.handleRegisterPushToken)
			push.DELETE("/token", s.handleRemovePushToken)
		}
	}

	s.router.GET("/ws/events", s.handleEvents)
}

// requireUser resolves the calling user from the X-User-ID header. Account
// management lives in a separate service that fronts this one; by the time
// a request lands here the gateway has already authenticated it.
func (s *Server) requireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID, err := strconv.ParseInt(c.GetHeader("X-User-ID"), 10, 64)
		if err != nil || userID < 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Missing or invalid user identity"})
			return
		}
		c.Set("user_id", userID)
		c.Next()
	}
}

func userID(c *gin.Context) int64 {
	return c.GetInt64("user_id")
}

// ginLogger creates a Gin middleware for logging
func ginLogger(log *logger.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		raw := c.Request.URL.RawQuery

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if raw != "" {
			path = path + "?" + raw
		}

		log.Debug("HTTP request",
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"latency", latency,
			"client_ip", c.ClientIP(),
		)
	}
}

// corsMiddleware creates a CORS middleware for local network access
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Writer.Header().Set("Access-Control-Allow-Origin", "*")
		c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Content-Length, Accept-Encoding, Authorization, accept, origin, Cache-Control, X-Requested-With, X-User-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "POST, OPTIONS, GET, PUT, DELETE")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}
