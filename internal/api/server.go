package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/labqc/labqc-server/internal/alerting"
	"github.com/labqc/labqc-server/internal/database"
	"github.com/labqc/labqc-server/internal/domain"
	"github.com/labqc/labqc-server/internal/history"
	"github.com/labqc/labqc-server/internal/metrics"
	"github.com/labqc/labqc-server/internal/pipeline"
	"github.com/labqc/labqc-server/internal/service"
)

// Dependencies bundles everything the HTTP layer exposes
type Dependencies struct {
	Validator  *service.Validator
	Detector   *service.AnomalyDetector
	Engine     *alerting.Engine
	Aggregator *metrics.Aggregator
	History    *history.Store
	Pipeline   *pipeline.Processor
	Hub        *StreamHub
	Archive    domain.AlertArchive
	// DB is the pgx pool backing the postgres archive; nil for sqlite or
	// archive-disabled deployments.
	DB *database.DB
}

// Server represents the HTTP server
type Server struct {
	logger *logrus.Logger
	config domain.ServerConfig
	deps   Dependencies
	router *gin.Engine
	server *http.Server
}

// NewServer creates a new HTTP server instance
func NewServer(logger *logrus.Logger, config domain.ServerConfig, logLevel string, deps Dependencies) *Server {
	// Set Gin mode based on environment
	if logLevel == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()

	// Add middleware
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	router.Use(corsMiddleware())
	router.Use(requestIDMiddleware())

	server := &Server{
		logger: logger,
		config: config,
		deps:   deps,
		router: router,
	}

	server.setupRoutes()

	return server
}

// Router exposes the gin engine for tests
func (s *Server) Router() *gin.Engine {
	return s.router
}

// Start starts the HTTP server and blocks until the context is cancelled
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)

	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
		IdleTimeout:  s.config.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.WithField("addr", addr).Info("HTTP server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	return s.server.Shutdown(shutdownCtx)
}

// setupRoutes configures the API routes
func (s *Server) setupRoutes() {
	s.router.GET("/health", s.handleHealth)
	s.router.GET("/ws/alerts", s.handleAlertStream)

	v1 := s.router.Group("/api/v1")
	{
		v1.POST("/results", s.handleSubmitResult)
		v1.POST("/results/validate", s.handleValidateResult)
		v1.POST("/anomalies/detect", s.handleDetectAnomalies)
		v1.POST("/correlations/validate", s.handleValidateCorrelations)
		v1.GET("/alerts", s.handleListAlerts)
		v1.GET("/alerts/statistics", s.handleAlertStatistics)
		v1.POST("/alerts/:id/acknowledge", s.handleAcknowledgeAlert)
		v1.GET("/metrics/quality", s.handleQualityMetrics)
		v1.GET("/metrics/trend", s.handleQualityTrend)
		v1.GET("/reports/quality", s.handleQualityReport)
		v1.GET("/dashboard/export", s.handleDashboardExport)
	}
}

// handleHealth handles health check requests
func (s *Server) handleHealth(c *gin.Context) {
	status := http.StatusOK
	body := gin.H{
		"status":    "healthy",
		"timestamp": time.Now(),
		"version":   "1.0.0",
	}
	if s.deps.DB != nil {
		if err := s.deps.DB.Health(c.Request.Context()); err != nil {
			status = http.StatusServiceUnavailable
			body["status"] = "degraded"
			body["database"] = err.Error()
		} else {
			body["database"] = "up"
		}
	}
	c.JSON(status, body)
}

// corsMiddleware adds CORS headers to responses
func corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Origin, Content-Type, Content-Length, Accept-Encoding, X-CSRF-Token, Authorization, X-API-Key")
		c.Header("Access-Control-Expose-Headers", "Content-Length")
		c.Header("Access-Control-Allow-Credentials", "true")

		if c.Request.Method == "OPTIONS" {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		c.Next()
	}
}

// requestIDMiddleware adds a unique request ID to each request
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := c.GetHeader("X-Request-ID")
		if requestID == "" {
			requestID = generateRequestID()
		}
		c.Header("X-Request-ID", requestID)
		c.Set("request_id", requestID)
		c.Next()
	}
}

// generateRequestID generates a simple request ID
func generateRequestID() string {
	return fmt.Sprintf("%d", time.Now().UnixNano())
}
