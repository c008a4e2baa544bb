// Package api implements the operator-facing management surface over
// gin: health, freshness, scrape/analysis triggers, cron job controls,
// and circuit-breaker overrides, behind a middleware stack of request
// ID, security headers, tracing, HTTP metrics, rate limiting, and
// body-size limiting.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"pulsecore/pkg/admission"
	"pulsecore/pkg/analysis"
	"pulsecore/pkg/api/middleware"
	"pulsecore/pkg/cron"
	"pulsecore/pkg/freshness"
	"pulsecore/pkg/health"
	"pulsecore/pkg/logger"
	"pulsecore/pkg/scheduler"
)

// Config holds API server configuration: the core components the control
// surface fronts, plus networking tunables.
type Config struct {
	Port string

	Admission  *admission.AdmissionController
	Freshness  *freshness.Evaluator
	Scheduler  *scheduler.Scheduler
	CronEngine *cron.Engine
	Analysis   *analysis.Orchestrator
	Health     *health.Supervisor
}

// Server encapsulates the HTTP control surface and its dependencies.
type Server struct {
	router     *gin.Engine
	httpServer *http.Server
	log        *zap.Logger

	admission  *admission.AdmissionController
	freshness  *freshness.Evaluator
	scheduler  *scheduler.Scheduler
	cronEngine *cron.Engine
	analysis   *analysis.Orchestrator
	health     *health.Supervisor
	validator  *middleware.Validator
}

// NewServer creates the control-surface HTTP server with all dependencies
// wired and every route registered.
func NewServer(cfg Config) *Server {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()

	router.Use(gin.Recovery())
	router.Use(middleware.RequestIDMiddleware())
	router.Use(middleware.SecurityHeadersMiddleware())
	router.Use(middleware.TracingMiddleware("pulsecore-orchestrator"))
	router.Use(middleware.MetricsMiddleware())
	router.Use(middleware.RateLimitMiddleware())
	router.Use(middleware.BodySizeLimitMiddleware(1 << 20))

	s := &Server{
		router:     router,
		log:        logger.Get(),
		admission:  cfg.Admission,
		freshness:  cfg.Freshness,
		scheduler:  cfg.Scheduler,
		cronEngine: cfg.CronEngine,
		analysis:   cfg.Analysis,
		health:     cfg.Health,
		validator:  middleware.NewValidator(middleware.DefaultValidatorConfig()),
	}

	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start begins listening for HTTP requests; blocks until Shutdown is
// called or the server errors.
func (s *Server) Start() error {
	s.log.Info("control surface starting", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("control surface shutting down")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes() {
	s.router.GET("/health", s.getHealth)
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := s.router.Group("/api/v1")
	{
		projects := v1.Group("/projects")
		{
			projects.GET("/:id/freshness", s.getProjectFreshness)
			projects.POST("/:id/scrape", s.triggerScraping)
			projects.POST("/:id/analyze", s.triggerAnalysis)
		}

		jobs := v1.Group("/jobs")
		{
			jobs.GET("", s.listJobs)
			jobs.POST("", s.scheduleJob)
			jobs.POST("/:id/pause", s.pauseJob)
			jobs.POST("/:id/resume", s.resumeJob)
			jobs.POST("/:id/trigger", s.triggerJob)
		}

		admissionGroup := v1.Group("/admission")
		{
			admissionGroup.POST("/circuit/trip", s.triggerCircuitBreaker)
			admissionGroup.POST("/circuit/reset", s.resetCircuitBreaker)
		}

		v1.GET("/metrics-summary", s.getMetricsSummary)
	}
}
