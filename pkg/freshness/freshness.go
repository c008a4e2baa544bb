// Package freshness classifies how stale each target's data is and
// emits prioritized work items for the Scheduler to act on.
package freshness

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"pulsecore/pkg/metrics"
	"pulsecore/pkg/models"
	"pulsecore/pkg/store"
)

// Config holds the freshness classification thresholds.
type Config struct {
	FreshnessThresholdDays int
	HighPriorityAgeDays    int
}

// DefaultConfig returns the stock thresholds.
func DefaultConfig() Config {
	return Config{
		FreshnessThresholdDays: 7,
		HighPriorityAgeDays:    14,
	}
}

// Evaluator classifies target freshness and produces work items.
type Evaluator struct {
	cfg     Config
	targets store.TargetStore
	snaps   store.SnapshotStore
}

// New builds a freshness Evaluator.
func New(cfg Config, targets store.TargetStore, snaps store.SnapshotStore) *Evaluator {
	return &Evaluator{cfg: cfg, targets: targets, snaps: snaps}
}

// FreshnessStatus classifies every target in the project and rolls the
// results up into an overall ProjectFreshness.
func (e *Evaluator) FreshnessStatus(ctx context.Context, projectID uuid.UUID) (models.ProjectFreshness, error) {
	targets, err := e.targets.List(ctx, projectID)
	if err != nil {
		return models.ProjectFreshness{}, fmt.Errorf("failed to list targets: %w", err)
	}

	now := time.Now()
	result := models.ProjectFreshness{
		ProjectID: projectID,
		Targets:   make([]models.TargetFreshness, 0, len(targets)),
	}

	var freshCount, staleCount, missingCount int
	for _, target := range targets {
		tf, err := e.classify(ctx, target, now)
		if err != nil {
			return models.ProjectFreshness{}, err
		}
		result.Targets = append(result.Targets, tf)
		switch tf.State {
		case models.Fresh:
			freshCount++
		case models.Stale:
			staleCount++
		case models.Missing:
			missingCount++
		}
	}

	metrics.TargetsByFreshness.WithLabelValues(string(models.Fresh)).Set(float64(freshCount))
	metrics.TargetsByFreshness.WithLabelValues(string(models.Stale)).Set(float64(staleCount))
	metrics.TargetsByFreshness.WithLabelValues(string(models.Missing)).Set(float64(missingCount))

	switch {
	case len(targets) == 0:
		result.Overall = models.ProjectMissingData
		result.RecommendedAction = "add targets before scraping"
	case missingCount == len(targets):
		result.Overall = models.ProjectMissingData
		result.RecommendedAction = "initial scrape required for all targets"
	case missingCount > 0:
		result.Overall = models.ProjectMixed
		result.RecommendedAction = "some targets have never been scraped"
	case staleCount > 0:
		result.Overall = models.ProjectStale
		result.RecommendedAction = "rescrape stale targets"
	default:
		result.Overall = models.ProjectFresh
		result.RecommendedAction = "none"
	}

	return result, nil
}

func (e *Evaluator) classify(ctx context.Context, target models.Target, now time.Time) (models.TargetFreshness, error) {
	snap, err := e.snaps.LatestByTarget(ctx, target.ID)
	if err != nil && err != store.ErrNotFound {
		return models.TargetFreshness{}, fmt.Errorf("failed to load latest snapshot for target %s: %w", target.ID, err)
	}

	tf := models.TargetFreshness{
		TargetID: target.ID,
		Kind:     target.Kind,
	}

	if err == store.ErrNotFound {
		tf.State = models.Missing
		tf.NeedsScraping = true
		return tf, nil
	}

	ageDays := now.Sub(snap.CapturedAt).Hours() / 24
	tf.AgeDays = ageDays

	if ageDays > float64(e.cfg.FreshnessThresholdDays) {
		tf.State = models.Stale
		tf.NeedsScraping = true
	} else {
		tf.State = models.Fresh
		tf.NeedsScraping = false
	}

	return tf, nil
}

// priorityFor applies the priority rule: MISSING or older than
// HighPriorityAgeDays is HIGH, anything else MEDIUM.
func (e *Evaluator) priorityFor(tf models.TargetFreshness) models.WorkPriority {
	if tf.State == models.Missing {
		return models.PriorityHighWork
	}
	if tf.AgeDays > float64(e.cfg.HighPriorityAgeDays) {
		return models.PriorityHighWork
	}
	return models.PriorityMedium
}

// WorkItems returns only the targets needing a scrape, ordered by
// priority (HIGH first) then insertion order, with a stable sequence
// number for downstream tie-breaking.
func (e *Evaluator) WorkItems(ctx context.Context, projectID uuid.UUID) ([]models.WorkItem, error) {
	status, err := e.FreshnessStatus(ctx, projectID)
	if err != nil {
		return nil, err
	}

	targetsByID := make(map[uuid.UUID]models.Target)
	targets, err := e.targets.List(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	for _, t := range targets {
		targetsByID[t.ID] = t
	}

	items := make([]models.WorkItem, 0, len(status.Targets))
	var seq int64
	for _, tf := range status.Targets {
		if !tf.NeedsScraping {
			continue
		}
		target := targetsByID[tf.TargetID]
		reason := "rescrape recommended"
		if tf.State == models.Missing {
			reason = "initial scrape required"
		} else if tf.AgeDays > float64(e.cfg.HighPriorityAgeDays) {
			reason = "urgent rescrape, data severely stale"
		}

		item := models.WorkItem{
			TargetKind: tf.Kind,
			TargetID:   tf.TargetID,
			ProjectID:  projectID,
			Reason:     reason,
			Priority:   e.priorityFor(tf),
			URL:        target.URL,
		}
		item = item.WithSequence(seq)
		seq++
		items = append(items, item)
	}

	sort.SliceStable(items, func(i, j int) bool {
		return items[i].Priority > items[j].Priority
	})

	return items, nil
}
