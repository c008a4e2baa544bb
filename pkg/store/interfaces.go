// Package store defines the ObjectStore persistence collaborator:
// entity repositories for Projects, Targets, Snapshots, CronJobs,
// JobExecutions, and AnalysisRecords.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"pulsecore/pkg/models"
)

var (
	ErrNotFound = errors.New("record not found")
	ErrConflict = errors.New("record already exists")
)

// ProjectStore is the data access layer for Project management.
type ProjectStore interface {
	Find(ctx context.Context, id uuid.UUID) (*models.Project, error)
	List(ctx context.Context, status *models.ProjectStatus) ([]models.Project, error)
	Update(ctx context.Context, id uuid.UUID, status models.ProjectStatus, metadata map[string]interface{}) error
}

// TargetStore is the data access layer for Product/Competitor targets.
type TargetStore interface {
	List(ctx context.Context, projectID uuid.UUID) ([]models.Target, error)
	FindByURL(ctx context.Context, url string) (*models.Target, error)
}

// SnapshotStore is the data access layer for scraped Snapshots.
type SnapshotStore interface {
	Create(ctx context.Context, snapshot *models.Snapshot) error
	LatestByTarget(ctx context.Context, targetID uuid.UUID) (*models.Snapshot, error)
	ListByTarget(ctx context.Context, targetID uuid.UUID, limit int) ([]models.Snapshot, error)
	DeleteOlderThan(ctx context.Context, targetID uuid.UUID, keepN int) (int64, error)
}

// CronJobStore is the data access layer for CronJob definitions.
type CronJobStore interface {
	Upsert(ctx context.Context, job *models.CronJob) error
	ListActive(ctx context.Context) ([]models.CronJob, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
	Delete(ctx context.Context, id uuid.UUID) error
	Find(ctx context.Context, id uuid.UUID) (*models.CronJob, error)
}

// JobExecutionStore is the data access layer for JobExecution history.
type JobExecutionStore interface {
	Append(ctx context.Context, exec *models.JobExecution) error
	ListByJob(ctx context.Context, jobID uuid.UUID, limit int) ([]models.JobExecution, error)
	Trim(ctx context.Context, jobID uuid.UUID, keepN int) (int64, error)
	UpdateResult(ctx context.Context, id uuid.UUID, status models.ExecutionStatus, output, errMsg string, endedAt time.Time, durationMs int64) error
	// FailRunning marks every execution still RUNNING as FAILED with the
	// given reason. Called on engine startup to reconcile executions
	// orphaned by a crash mid-invocation.
	FailRunning(ctx context.Context, reason string) (int64, error)
}

// AnalysisRecordStore is the data access layer for AnalysisRecords.
type AnalysisRecordStore interface {
	Create(ctx context.Context, record *models.AnalysisRecord) error
	LatestByProject(ctx context.Context, projectID uuid.UUID) (*models.AnalysisRecord, error)
}

// ObjectStore aggregates every entity repository the core depends on.
type ObjectStore interface {
	Projects() ProjectStore
	Targets() TargetStore
	Snapshots() SnapshotStore
	CronJobs() CronJobStore
	JobExecutions() JobExecutionStore
	AnalysisRecords() AnalysisRecordStore
	Close() error
}
