package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/scriptbroker/scriptbroker/internal/broker"
	"github.com/scriptbroker/scriptbroker/internal/config"
	"github.com/scriptbroker/scriptbroker/internal/logging"
	"github.com/scriptbroker/scriptbroker/internal/protocol"
)

// Server wraps the gin router and the broker it fronts.
type Server struct {
	router *gin.Engine
	broker *broker.Broker
	cfg    *config.Broker
	log    *logging.Logger
	http   *http.Server
}

// New creates the broker server and registers all routes.
func New(cfg *config.Broker, b *broker.Broker, log *logging.Logger) *Server {
	if !cfg.Logging.Development {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.Default())

	s := &Server{
		router: router,
		broker: b,
		cfg:    cfg,
		log:    log,
	}

	router.GET("/", s.handleRoot)
	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/v1")
	if cfg.RateLimit.Enabled {
		v1.Use(RateLimit(cfg.RateLimit))
	}
	v1.POST("/tasks", s.handleSubmit)
	v1.GET("/runners", s.handleRunners)

	router.GET("/ws/runner", s.handleRunnerWS)

	return s
}

// Run starts the HTTP listener and blocks until it stops.
func (s *Server) Run(addr string) error {
	s.http = &http.Server{
		Addr:    addr,
		Handler: s.router,
	}
	s.log.Info("broker server listening", zap.String("addr", addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains the HTTP server and closes the broker.
func (s *Server) Shutdown(ctx context.Context) error {
	s.broker.Close()
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Router exposes the gin engine for tests.
func (s *Server) Router() *gin.Engine {
	return s.router
}

func (s *Server) handleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"service": "task-broker",
		"status":  "running",
	})
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "healthy",
		"runners": len(s.broker.Runners()),
	})
}

func (s *Server) handleRunners(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"runners": s.broker.Runners()})
}

// handleSubmit is the host-facing submission surface. The call suspends
// until the task reaches a terminal state; every per-task failure arrives
// in the same response shape regardless of cause.
func (s *Server) handleSubmit(c *gin.Context) {
	var req protocol.SubmitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if !req.Language.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown language"})
		return
	}
	if req.Code == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "code is required"})
		return
	}

	timeout := time.Duration(req.TimeoutSeconds) * time.Second
	out, err := s.broker.Submit(c.Request.Context(), req.Language, req.Code, req.Input, timeout)
	if err != nil {
		var fault *protocol.Fault
		if errors.As(err, &fault) && fault.Code == protocol.FaultNoRunnerAvailable {
			c.JSON(http.StatusServiceUnavailable, protocol.SubmitResponse{
				Status: protocol.StatusError,
				Fault:  fault,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, protocol.SubmitResponse{
		TaskID:  out.TaskID.String(),
		Status:  out.Status,
		Payload: out.Payload,
		Fault:   out.Fault,
	})
}
