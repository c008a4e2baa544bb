package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"pulsecore/pkg/analysis"
	"pulsecore/pkg/models"
)

// getHealth reports the composite SystemHealthStatus. Returns 503 when
// the composite score drops below 50 so load balancers and uptime
// checks can treat the process as degraded.
func (s *Server) getHealth(c *gin.Context) {
	if s.health == nil {
		c.JSON(http.StatusOK, gin.H{"status": "unknown", "timestamp": time.Now()})
		return
	}

	status := s.health.PerformHealthChecks(c.Request.Context())
	httpStatus := http.StatusOK
	if status.Score < 50 {
		httpStatus = http.StatusServiceUnavailable
	}
	c.JSON(httpStatus, gin.H{
		"score":                 status.Score,
		"services":              status.Services,
		"issues":                status.Issues,
		"recommended_actions":   status.RecommendedActions,
		"checked_at":            status.CheckedAt,
		"mem_percent":           status.MemPercent,
		"cpu_percent":           status.CPUPercent,
		"active_throttles":      status.ActiveThrottles,
		"global_in_flight":      status.GlobalInFlight,
		"targets_never_scraped": status.TargetsNeverScraped,
		"stale_project_ratio":   status.StaleProjectRatio,
	})
}

// getMetricsSummary reports a compact JSON view of admission state, for
// callers that don't want to scrape Prometheus text format.
func (s *Server) getMetricsSummary(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"circuit":          s.admission.CircuitSnapshot(),
		"global_in_flight": s.admission.GlobalInFlight(),
		"active_throttles": s.admission.ActiveThrottleCount(),
	})
}

// getProjectFreshness reports freshness classification for every target in
// a project.
func (s *Server) getProjectFreshness(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return
	}

	freshness, err := s.freshness.FreshnessStatus(c.Request.Context(), projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, freshness)
}

// triggerScraping runs the freshness-driven scheduler loop for one project
// on demand.
func (s *Server) triggerScraping(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return
	}

	result, err := s.scheduler.CheckAndTrigger(c.Request.Context(), projectID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, result)
}

// triggerAnalysisRequest is the body for POST /projects/:id/analyze.
type triggerAnalysisRequest struct {
	ForceFreshData bool                `json:"force_fresh_data"`
	AnalysisType   models.AnalysisType `json:"analysis_type"`
	Priority       string              `json:"priority"`
	ReportTemplate string              `json:"report_template"`
}

// triggerAnalysis runs the analysis orchestrator synchronously for one
// project.
func (s *Server) triggerAnalysis(c *gin.Context) {
	projectID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
		return
	}

	var req triggerAnalysisRequest
	_ = c.ShouldBindJSON(&req)

	result := s.analysis.TriggerAnalysis(c.Request.Context(), projectID, analysis.Options{
		ForceFreshData: req.ForceFreshData,
		AnalysisType:   req.AnalysisType,
		Priority:       req.Priority,
		ReportTemplate: req.ReportTemplate,
	})
	c.JSON(http.StatusOK, result)
}

// listJobs reports every installed cron job's current health.
func (s *Server) listJobs(c *gin.Context) {
	if s.cronEngine == nil {
		c.JSON(http.StatusOK, gin.H{"jobs": []any{}})
		return
	}
	jobs := s.cronEngine.ListJobs()
	c.JSON(http.StatusOK, gin.H{"jobs": jobs, "count": len(jobs)})
}

// scheduleJobRequest is the body for POST /jobs.
type scheduleJobRequest struct {
	Name             string          `json:"name" binding:"required"`
	Expression       string          `json:"expression" binding:"required"`
	Kind             models.JobKind  `json:"kind" binding:"required"`
	ProjectID        *uuid.UUID      `json:"project_id,omitempty"`
	Timezone         string          `json:"timezone"`
	MaxRetries       int             `json:"max_retries"`
	BaseRetryDelayMs int64           `json:"base_retry_delay_ms"`
	TimeoutMs        int64           `json:"timeout_ms"`
	Metadata         models.JSONMap  `json:"metadata"`
}

// scheduleJob validates and installs a new CronJob; the expression is
// parsed before anything is persisted.
func (s *Server) scheduleJob(c *gin.Context) {
	var req scheduleJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.validator.ValidateName(req.Name); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.validator.ValidateExpression(req.Expression); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.validator.ValidateJobKind(string(req.Kind)); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	for _, v := range req.Metadata {
		if str, ok := v.(string); ok {
			if err := s.validator.ValidateMetadataValue(str); err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
				return
			}
		}
	}

	job := models.CronJob{
		ID:               uuid.New(),
		Name:             req.Name,
		Expression:       req.Expression,
		Kind:             req.Kind,
		Active:           true,
		ProjectID:        req.ProjectID,
		Timezone:         req.Timezone,
		MaxRetries:       req.MaxRetries,
		BaseRetryDelayMs: req.BaseRetryDelayMs,
		TimeoutMs:        req.TimeoutMs,
		Metadata:         req.Metadata,
	}
	if job.Timezone == "" {
		job.Timezone = "UTC"
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = 3
	}
	if job.BaseRetryDelayMs == 0 {
		job.BaseRetryDelayMs = 5000
	}
	if job.TimeoutMs == 0 {
		job.TimeoutMs = 600000
	}

	if err := s.cronEngine.ScheduleJob(c.Request.Context(), job); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, job)
}

// pauseJob pauses a running cron job.
func (s *Server) pauseJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	if err := s.cronEngine.PauseJob(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "paused"})
}

// resumeJob resumes a paused cron job.
func (s *Server) resumeJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	if err := s.cronEngine.ResumeJob(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "resumed"})
}

// triggerJob runs a cron job immediately, outside its schedule.
func (s *Server) triggerJob(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid job id"})
		return
	}
	if err := s.cronEngine.TriggerJob(c.Request.Context(), id); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": "triggered"})
}

// triggerCircuitBreakerRequest is the body for POST /admission/circuit/trip.
type triggerCircuitBreakerRequest struct {
	Reason string `json:"reason"`
}

// triggerCircuitBreaker forces the admission circuit breaker OPEN, an
// operator escape hatch for known-bad upstream conditions.
func (s *Server) triggerCircuitBreaker(c *gin.Context) {
	var req triggerCircuitBreakerRequest
	_ = c.ShouldBindJSON(&req)
	if req.Reason == "" {
		req.Reason = "manual operator trip"
	}
	s.admission.TriggerCircuitBreaker(req.Reason)
	c.JSON(http.StatusOK, gin.H{"circuit": s.admission.CircuitSnapshot()})
}

// resetCircuitBreaker forces the admission circuit breaker CLOSED.
func (s *Server) resetCircuitBreaker(c *gin.Context) {
	s.admission.ResetCircuitBreaker()
	c.JSON(http.StatusOK, gin.H{"circuit": s.admission.CircuitSnapshot()})
}
