// Package analysis implements the AnalysisOrchestrator: ensures input
// freshness, invokes the AnalysisBackend, validates output quality, and
// tracks the time-to-first-analysis SLO.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pulsecore/pkg/analysisbackend"
	"pulsecore/pkg/freshness"
	"pulsecore/pkg/logger"
	"pulsecore/pkg/metrics"
	"pulsecore/pkg/models"
	"pulsecore/pkg/scheduler"
	"pulsecore/pkg/store"
)

// Config holds AnalysisOrchestrator tunables.
type Config struct {
	TargetTimeToAnalysisMs   int64
	MinAnalysisContentLength int
	AnalysisMaxRetries       int
	SnapshotsPerTarget       int
	FreshHoursThreshold      time.Duration
	StaleHoursThreshold      time.Duration
}

// DefaultConfig returns the stock orchestrator tunables.
func DefaultConfig() Config {
	return Config{
		TargetTimeToAnalysisMs:   7_200_000,
		MinAnalysisContentLength: 100,
		AnalysisMaxRetries:       3,
		SnapshotsPerTarget:       5,
		FreshHoursThreshold:      4 * time.Hour,
		StaleHoursThreshold:      24 * time.Hour,
	}
}

// MonitorResult is the output of MonitorProject.
type MonitorResult struct {
	FreshDataDetected     bool
	LastAnalysisTime      *time.Time
	NeedsAnalysis         bool
	TimeToFirstAnalysisMs *int64
	AnalysisQuality       models.AnalysisQuality
}

// Options configures one TriggerAnalysis call.
type Options struct {
	ForceFreshData bool
	AnalysisType   models.AnalysisType
	Priority       string
	ReportTemplate string
}

// Result is the output of TriggerAnalysis.
type Result struct {
	Success          bool
	AnalysisID       *uuid.UUID
	ReportID         *uuid.UUID
	ProcessingTimeMs int64
	Error            string
}

// ReportRequester enqueues a downstream report-generation request; a
// thin seam so cmd/orchestrator can wire it to whatever transport it
// likes (queue, HTTP call, direct DB insert) without analysis needing
// to know.
type ReportRequester interface {
	EnqueueReport(ctx context.Context, projectID uuid.UUID, template, priority string) (uuid.UUID, error)
}

// Orchestrator coordinates freshness, analysis generation, and report
// fan-out for one process.
type Orchestrator struct {
	cfg       Config
	projects  store.ProjectStore
	targets   store.TargetStore
	snapshots store.SnapshotStore
	records   store.AnalysisRecordStore
	evaluator *freshness.Evaluator
	scheduler *scheduler.Scheduler
	backend   analysisbackend.Backend
	reports   ReportRequester
}

// New builds an AnalysisOrchestrator.
func New(cfg Config, projects store.ProjectStore, targets store.TargetStore, snapshots store.SnapshotStore, records store.AnalysisRecordStore, evaluator *freshness.Evaluator, sched *scheduler.Scheduler, backend analysisbackend.Backend, reports ReportRequester) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		projects:  projects,
		targets:   targets,
		snapshots: snapshots,
		records:   records,
		evaluator: evaluator,
		scheduler: sched,
		backend:   backend,
		reports:   reports,
	}
}

// MonitorProject reports the project's analysis readiness.
func (o *Orchestrator) MonitorProject(ctx context.Context, projectID uuid.UUID) (MonitorResult, error) {
	status, err := o.evaluator.FreshnessStatus(ctx, projectID)
	if err != nil {
		return MonitorResult{}, fmt.Errorf("failed to evaluate freshness: %w", err)
	}

	last, err := o.records.LatestByProject(ctx, projectID)
	if err != nil && err != store.ErrNotFound {
		return MonitorResult{}, fmt.Errorf("failed to load latest analysis record: %w", err)
	}

	result := MonitorResult{FreshDataDetected: status.Overall == models.ProjectFresh}

	if last == nil {
		result.NeedsAnalysis = true
		return result, nil
	}

	result.LastAnalysisTime = &last.CapturedAt
	result.AnalysisQuality = last.Quality

	sinceLast := time.Since(last.CapturedAt)
	switch {
	case status.Overall == models.ProjectFresh && sinceLast > o.cfg.FreshHoursThreshold:
		result.NeedsAnalysis = true
	case status.Overall == models.ProjectStale && sinceLast > o.cfg.StaleHoursThreshold:
		result.NeedsAnalysis = true
	}

	return result, nil
}

// TriggerAnalysis runs the full analysis pipeline: eligibility, input
// freshness, backend invocation, quality validation, persistence, and
// report fan-out.
func (o *Orchestrator) TriggerAnalysis(ctx context.Context, projectID uuid.UUID, opts Options) Result {
	start := time.Now()

	// Step 1: load project, products, competitors; fail fast if empty.
	project, err := o.projects.Find(ctx, projectID)
	if err != nil {
		return errResult(start, fmt.Errorf("failed to load project: %w", err))
	}
	targets, err := o.targets.List(ctx, projectID)
	if err != nil {
		return errResult(start, fmt.Errorf("failed to list targets: %w", err))
	}
	var hasProduct, hasCompetitor bool
	for _, t := range targets {
		switch t.Kind {
		case models.TargetProduct:
			hasProduct = true
		case models.TargetCompetitor:
			hasCompetitor = true
		}
	}
	if !hasProduct || !hasCompetitor {
		return errResult(start, errors.New("project needs at least one product and one competitor to analyze"))
	}

	// Step 2: ensure freshness.
	status, err := o.evaluator.FreshnessStatus(ctx, projectID)
	if err != nil {
		return errResult(start, fmt.Errorf("failed to evaluate freshness: %w", err))
	}
	if opts.ForceFreshData || status.Overall != models.ProjectFresh {
		if _, err := o.scheduler.CheckAndTrigger(ctx, projectID); err != nil {
			logger.Get().Warn("freshness refresh before analysis failed", zap.String("project_id", projectID.String()), zap.Error(err))
		}
		// Short wait for persistence to land before we read
		// snapshots back out.
		select {
		case <-ctx.Done():
			return errResult(start, ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}

	// Step 3: build the analysis request context.
	messages, err := o.buildMessages(ctx, *project, targets, opts)
	if err != nil {
		return errResult(start, err)
	}

	// Step 4: invoke backend with bounded retries and backoff.
	text, err := o.generateWithRetry(ctx, messages)
	if err != nil {
		return errResult(start, fmt.Errorf("analysis backend failed: %w", err))
	}

	// Step 5: validate quality.
	quality := models.QualityHigh
	if len(text) < o.cfg.MinAnalysisContentLength {
		quality = models.QualityFailed
		return errResult(start, fmt.Errorf("analysis output too short: %d chars", len(text)))
	}
	if len(text) < o.cfg.MinAnalysisContentLength*3 {
		quality = models.QualityMedium
	}

	// Step 6: persist AnalysisRecord and enqueue report request.
	inputIDs := make(models.UUIDSlice, 0, len(targets))
	for _, t := range targets {
		snaps, err := o.snapshots.ListByTarget(ctx, t.ID, o.cfg.SnapshotsPerTarget)
		if err != nil {
			return errResult(start, fmt.Errorf("failed to load snapshots for target %s: %w", t.ID, err))
		}
		for _, snap := range snaps {
			inputIDs = append(inputIDs, snap.ID)
		}
	}
	analysisType := opts.AnalysisType
	if analysisType == "" {
		analysisType = models.AnalysisComprehensive
	}
	record := &models.AnalysisRecord{
		ProjectID:    projectID,
		CapturedAt:   time.Now(),
		InputIDs:     inputIDs,
		Output:       text,
		Quality:      quality,
		AnalysisType: analysisType,
	}
	if err := o.records.Create(ctx, record); err != nil {
		return errResult(start, fmt.Errorf("failed to persist analysis record: %w", err))
	}

	var reportID *uuid.UUID
	if o.reports != nil {
		template := opts.ReportTemplate
		if template == "" {
			template = "default"
		}
		id, err := o.reports.EnqueueReport(ctx, projectID, template, opts.Priority)
		if err != nil {
			logger.Get().Warn("failed to enqueue report request", zap.String("project_id", projectID.String()), zap.Error(err))
		} else {
			reportID = &id
		}
	}

	processingMs := time.Since(start).Milliseconds()
	if processingMs < o.cfg.TargetTimeToAnalysisMs {
		logger.Get().Info("analysis SLO: TARGET_MET", zap.Int64("processing_ms", processingMs), zap.String("project_id", projectID.String()))
	} else {
		logger.Get().Info("analysis SLO: TARGET_EXCEEDED", zap.Int64("processing_ms", processingMs), zap.String("project_id", projectID.String()))
	}
	metrics.RecordAnalysisRun(string(quality), float64(processingMs)/1000)

	return Result{
		Success:          true,
		AnalysisID:       &record.ID,
		ReportID:         reportID,
		ProcessingTimeMs: processingMs,
	}
}

func (o *Orchestrator) buildMessages(ctx context.Context, project models.Project, targets []models.Target, opts Options) ([]analysisbackend.Message, error) {
	messages := []analysisbackend.Message{
		{Role: analysisbackend.RoleSystem, Content: fmt.Sprintf("You are a competitive analysis assistant producing a %s report for project %s.", opts.AnalysisType, project.Name)},
	}

	for _, target := range targets {
		snaps, err := o.snapshots.ListByTarget(ctx, target.ID, o.cfg.SnapshotsPerTarget)
		if err != nil {
			return nil, fmt.Errorf("failed to load snapshots for target %s: %w", target.ID, err)
		}
		for _, snap := range snaps {
			messages = append(messages, analysisbackend.Message{
				Role:    analysisbackend.RoleUser,
				Content: fmt.Sprintf("[%s] %s (%s) captured %s:\n%s", target.Kind, target.DisplayName, target.URL, snap.CapturedAt.Format(time.RFC3339), snap.Text),
			})
		}
	}

	return messages, nil
}

func (o *Orchestrator) generateWithRetry(ctx context.Context, messages []analysisbackend.Message) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= o.cfg.AnalysisMaxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))*500) * time.Millisecond
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
		text, err := o.backend.GenerateCompletion(ctx, messages)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if errors.Is(err, analysisbackend.ErrUnauthorized) {
			return "", err
		}
	}
	return "", lastErr
}

func errResult(start time.Time, err error) Result {
	return Result{Success: false, ProcessingTimeMs: time.Since(start).Milliseconds(), Error: err.Error()}
}
