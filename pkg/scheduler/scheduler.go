// Package scheduler consumes freshness work items and executes them
// under admission control, persisting resulting Snapshots.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pulsecore/pkg/admission"
	"pulsecore/pkg/freshness"
	"pulsecore/pkg/logger"
	"pulsecore/pkg/metrics"
	"pulsecore/pkg/models"
	"pulsecore/pkg/scrape"
	"pulsecore/pkg/store"
	"pulsecore/pkg/store/s3archive"
)

// archiveThresholdBytes is the combined HTML+Text size above which a
// snapshot body is offloaded to the archive instead of stored inline.
const archiveThresholdBytes = 64 * 1024

// Config holds Scheduler tunables.
type Config struct {
	TaskExecutionDelayMs int64
	MaxRetries           int
	MinContentLength     int
	BackoffBaseMs        int64
}

// DefaultConfig returns the stock scheduler tunables.
func DefaultConfig() Config {
	return Config{
		TaskExecutionDelayMs: 2000,
		MaxRetries:           3,
		MinContentLength:     100,
		BackoffBaseMs:        500,
	}
}

// TaskOutcome is the per-work-item result recorded by CheckAndTrigger.
type TaskOutcome struct {
	TaskType      string
	TargetID      uuid.UUID
	Success       bool
	SnapshotID    *uuid.UUID
	Error         string
	DurationMs    int64
	CorrelationID string
}

// BatchResult is the return value of CheckAndTrigger.
type BatchResult struct {
	Triggered     bool
	TasksExecuted int
	Results       []TaskOutcome
}

// ScrapingFailed is returned by scrapeWithRetry when every attempt fails.
type ScrapingFailed struct {
	LastError error
	Attempts  int
}

func (e *ScrapingFailed) Error() string {
	return fmt.Sprintf("scraping failed after %d attempts: %v", e.Attempts, e.LastError)
}

func (e *ScrapingFailed) Unwrap() error { return e.LastError }

// ErrInsufficientContent flags a scrape that succeeded transportwise but
// returned a body too small to be useful.
var ErrInsufficientContent = errors.New("insufficient_content")

// Scheduler executes freshness work items under admission control.
type Scheduler struct {
	cfg       Config
	admission *admission.AdmissionController
	evaluator *freshness.Evaluator
	driver    scrape.Driver
	snapshots store.SnapshotStore
	archive   s3archive.Archive
}

// New builds a Scheduler. archive may be nil, in which case snapshot
// bodies are always stored inline on the Snapshot row.
func New(cfg Config, ac *admission.AdmissionController, evaluator *freshness.Evaluator, driver scrape.Driver, snapshots store.SnapshotStore, archive s3archive.Archive) *Scheduler {
	return &Scheduler{cfg: cfg, admission: ac, evaluator: evaluator, driver: driver, snapshots: snapshots, archive: archive}
}

// CheckAndTrigger obtains pending work items for a project and executes
// each under admission control, in priority then insertion order,
// applying a minimum spacing delay between dispatches.
func (s *Scheduler) CheckAndTrigger(ctx context.Context, projectID uuid.UUID) (BatchResult, error) {
	items, err := s.evaluator.WorkItems(ctx, projectID)
	if err != nil {
		return BatchResult{}, fmt.Errorf("failed to compute work items: %w", err)
	}
	metrics.WorkQueueDepth.Set(float64(len(items)))
	if len(items) == 0 {
		return BatchResult{Triggered: false}, nil
	}

	result := BatchResult{Triggered: true}
	for i, item := range items {
		if ctx.Err() != nil {
			break
		}
		if i > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(time.Duration(s.cfg.TaskExecutionDelayMs) * time.Millisecond):
			}
		}

		outcome := s.runOne(ctx, projectID, item)
		result.Results = append(result.Results, outcome)
		result.TasksExecuted++
	}

	return result, nil
}

func (s *Scheduler) runOne(ctx context.Context, projectID uuid.UUID, item models.WorkItem) TaskOutcome {
	correlationID := uuid.New().String()
	outcome := TaskOutcome{
		TaskType:      "scrape",
		TargetID:      item.TargetID,
		CorrelationID: correlationID,
	}

	start := time.Now()
	var snapshotID *uuid.UUID

	rc := admission.RequestContext{
		ProjectID: projectID.String(),
		Domain:    domainOf(item.URL),
		Priority:  priorityFor(item.Priority),
		Source:    admission.SourceScheduledReport,
		RequestID: correlationID,
	}

	execErr := s.admission.ExecuteWithRateLimit(ctx, rc, func(fnCtx context.Context) error {
		content, err := s.scrapeWithRetry(fnCtx, item.URL, s.cfg.MaxRetries, correlationID)
		if err != nil {
			return err
		}

		snap := &models.Snapshot{
			TargetID:   item.TargetID,
			CapturedAt: time.Now(),
			Title:      content.Title,
			HTML:       content.HTML,
			Text:       content.Text,
			Metadata: models.SnapshotMetadata{
				StatusCode:    content.StatusCode,
				ScrapeMs:      time.Since(start).Milliseconds(),
				HTMLLength:    len(content.HTML),
				TextLength:    len(content.Text),
				CorrelationID: correlationID,
			},
		}
		snap.ID = uuid.New()

		if s.archive != nil && len(snap.HTML)+len(snap.Text) > archiveThresholdBytes {
			ref, err := s.archive.Store(fnCtx, snap.ID.String(), []byte(snap.HTML), []byte(snap.Text))
			if err != nil {
				logger.Get().Warn("failed to archive snapshot body, storing inline",
					zap.String("target_id", item.TargetID.String()), zap.Error(err))
			} else {
				snap.ContentRef = ref
				snap.HTML = ""
				snap.Text = ""
			}
		}

		if err := s.snapshots.Create(fnCtx, snap); err != nil {
			return fmt.Errorf("failed to persist snapshot: %w", err)
		}
		snapshotID = &snap.ID
		return nil
	})

	outcome.DurationMs = time.Since(start).Milliseconds()

	var deniedErr *admission.DeniedError
	if errors.As(execErr, &deniedErr) {
		outcome.Success = false
		outcome.Error = deniedErr.Reason
		logger.Get().Warn("scrape denied by admission controller",
			zap.String("target_id", item.TargetID.String()),
			zap.String("reason", deniedErr.Reason))
		metrics.RecordScrape("denied", float64(outcome.DurationMs)/1000)
		return outcome
	}
	if execErr != nil {
		outcome.Success = false
		outcome.Error = execErr.Error()
		metrics.RecordScrape("error", float64(outcome.DurationMs)/1000)
		return outcome
	}

	outcome.Success = true
	outcome.SnapshotID = snapshotID
	metrics.RecordScrape("success", float64(outcome.DurationMs)/1000)
	return outcome
}

// scrapeWithRetry fetches url up to maxRetries+1 times, validating content
// length/presence on the final accepted attempt and backing off
// exponentially with jitter between attempts.
func (s *Scheduler) scrapeWithRetry(ctx context.Context, url string, maxRetries int, correlationID string) (scrape.WebsiteSnapshot, error) {
	var lastErr error
	opts := scrape.DefaultOptions()

	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))*float64(s.cfg.BackoffBaseMs)) * time.Millisecond
			jitter := time.Duration(rand.Intn(1000)) * time.Millisecond
			select {
			case <-ctx.Done():
				return scrape.WebsiteSnapshot{}, ctx.Err()
			case <-time.After(backoff + jitter):
			}
		}

		snap, err := s.driver.TakeSnapshot(ctx, url, opts)
		if err != nil {
			lastErr = err
			continue
		}

		if len(snap.HTML) < s.cfg.MinContentLength || (snap.Title == "" && snap.Text == "") {
			lastErr = ErrInsufficientContent
			continue
		}

		return snap, nil
	}

	return scrape.WebsiteSnapshot{}, &ScrapingFailed{LastError: lastErr, Attempts: maxRetries + 1}
}

func priorityFor(p models.WorkPriority) admission.Priority {
	switch p {
	case models.PriorityHighWork:
		return admission.PriorityHigh
	case models.PriorityMedium:
		return admission.PriorityNormal
	default:
		return admission.PriorityLow
	}
}

func domainOf(rawURL string) string {
	rest := rawURL
	if i := strings.Index(rest, "://"); i != -1 {
		rest = rest[i+3:]
	}
	if i := strings.Index(rest, "/"); i != -1 {
		rest = rest[:i]
	}
	return rest
}
