package server

import (
	"net/http"

	"github.com/aimerfeng/hookrelay/internal/config"
	"github.com/aimerfeng/hookrelay/internal/dispatch"
	"github.com/aimerfeng/hookrelay/internal/logging"
	"github.com/aimerfeng/hookrelay/internal/middleware"
	"github.com/aimerfeng/hookrelay/internal/monitoring"
	"github.com/gin-gonic/gin"
)

// WorkerServer exposes health and pipeline status of a delivery worker
type WorkerServer struct {
	config     *config.Config
	router     *gin.Engine
	dispatcher *dispatch.Dispatcher
	sweeper    *dispatch.Sweeper
	checks     map[string]HealthCheck
}

// NewWorkerServer creates a new worker status server
func NewWorkerServer(cfg *config.Config, d *dispatch.Dispatcher, sw *dispatch.Sweeper, checks map[string]HealthCheck) *WorkerServer {
	if cfg.Server.Env == "production" {
		gin.SetMode(gin.ReleaseMode)
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(middleware.RequestID())
	router.Use(monitoring.MetricsMiddleware())
	router.Use(logging.RequestLogger())

	srv := &WorkerServer{
		config:     cfg,
		router:     router,
		dispatcher: d,
		sweeper:    sw,
		checks:     checks,
	}

	srv.setupRoutes()
	return srv
}

// Router returns the gin router
func (s *WorkerServer) Router() http.Handler {
	return s.router
}

func (s *WorkerServer) setupRoutes() {
	s.router.GET("/health", s.healthCheck)
	s.router.GET("/ready", readyCheck(s.checks))
	s.router.GET("/status", s.status)
}

func (s *WorkerServer) healthCheck(c *gin.Context) {
	status := http.StatusOK
	state := "healthy"
	if !s.dispatcher.IsRunning() {
		status = http.StatusServiceUnavailable
		state = "stopped"
	}
	c.JSON(status, gin.H{
		"status":  state,
		"service": "worker",
	})
}

func (s *WorkerServer) status(c *gin.Context) {
	resp := gin.H{"dispatcher": s.dispatcher.Stats()}
	if s.sweeper != nil {
		resp["sweeper"] = s.sweeper.GetStatus()
	}
	c.JSON(http.StatusOK, resp)
}
