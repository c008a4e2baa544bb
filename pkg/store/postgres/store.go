// Package postgres implements pkg/store.ObjectStore on top of GORM and
// PostgreSQL: pooled connections, AutoMigrate on boot, one repository
// per entity.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"pulsecore/pkg/models"
	"pulsecore/pkg/store"
)

// Store implements store.ObjectStore.
type Store struct {
	db *gorm.DB
}

// New opens a GORM connection and migrates the schema for every entity the
// core owns.
func New(connString string) (*Store, error) {
	cfg := &gorm.Config{
		Logger:      logger.Default.LogMode(logger.Warn),
		PrepareStmt: true,
	}

	db, err := gorm.Open(postgres.Open(connString), cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxIdleConns(5)
	sqlDB.SetMaxOpenConns(50)
	sqlDB.SetConnMaxLifetime(time.Hour)

	if err := db.AutoMigrate(
		&models.Project{},
		&models.Target{},
		&models.Snapshot{},
		&models.CronJob{},
		&models.JobExecution{},
		&models.AnalysisRecord{},
	); err != nil {
		return nil, fmt.Errorf("schema migration failed: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Projects() store.ProjectStore               { return projectStore{db: s.db} }
func (s *Store) Targets() store.TargetStore                 { return targetStore{db: s.db} }
func (s *Store) Snapshots() store.SnapshotStore             { return snapshotStore{db: s.db} }
func (s *Store) CronJobs() store.CronJobStore               { return cronJobStore{db: s.db} }
func (s *Store) JobExecutions() store.JobExecutionStore     { return jobExecutionStore{db: s.db} }
func (s *Store) AnalysisRecords() store.AnalysisRecordStore { return analysisRecordStore{db: s.db} }

// --- Projects ---

type projectStore struct{ db *gorm.DB }

func (p projectStore) Find(ctx context.Context, id uuid.UUID) (*models.Project, error) {
	var proj models.Project
	if err := p.db.WithContext(ctx).First(&proj, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &proj, nil
}

func (p projectStore) List(ctx context.Context, status *models.ProjectStatus) ([]models.Project, error) {
	var projects []models.Project
	q := p.db.WithContext(ctx)
	if status != nil {
		q = q.Where("status = ?", *status)
	}
	if err := q.Order("created_at desc").Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("failed to list projects: %w", err)
	}
	return projects, nil
}

func (p projectStore) Update(ctx context.Context, id uuid.UUID, status models.ProjectStatus, metadata map[string]interface{}) error {
	updates := map[string]interface{}{"status": status}
	for k, v := range metadata {
		updates[k] = v
	}
	result := p.db.WithContext(ctx).Model(&models.Project{}).Where("id = ?", id).Updates(updates)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

// --- Targets ---

type targetStore struct{ db *gorm.DB }

func (t targetStore) List(ctx context.Context, projectID uuid.UUID) ([]models.Target, error) {
	var targets []models.Target
	if err := t.db.WithContext(ctx).Where("project_id = ?", projectID).Find(&targets).Error; err != nil {
		return nil, fmt.Errorf("failed to list targets: %w", err)
	}
	return targets, nil
}

func (t targetStore) FindByURL(ctx context.Context, url string) (*models.Target, error) {
	var target models.Target
	if err := t.db.WithContext(ctx).First(&target, "url = ?", url).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &target, nil
}

// --- Snapshots ---

type snapshotStore struct{ db *gorm.DB }

func (s snapshotStore) Create(ctx context.Context, snapshot *models.Snapshot) error {
	if err := s.db.WithContext(ctx).Create(snapshot).Error; err != nil {
		return fmt.Errorf("failed to create snapshot: %w", err)
	}
	return nil
}

func (s snapshotStore) LatestByTarget(ctx context.Context, targetID uuid.UUID) (*models.Snapshot, error) {
	var snap models.Snapshot
	err := s.db.WithContext(ctx).
		Where("target_id = ?", targetID).
		Order("captured_at desc").
		First(&snap).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &snap, nil
}

func (s snapshotStore) ListByTarget(ctx context.Context, targetID uuid.UUID, limit int) ([]models.Snapshot, error) {
	var snaps []models.Snapshot
	q := s.db.WithContext(ctx).Where("target_id = ?", targetID).Order("captured_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&snaps).Error; err != nil {
		return nil, fmt.Errorf("failed to list snapshots: %w", err)
	}
	return snaps, nil
}

func (s snapshotStore) DeleteOlderThan(ctx context.Context, targetID uuid.UUID, keepN int) (int64, error) {
	var ids []uuid.UUID
	err := s.db.WithContext(ctx).
		Model(&models.Snapshot{}).
		Where("target_id = ?", targetID).
		Order("captured_at desc").
		Offset(keepN).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("failed to select stale snapshots: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	result := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.Snapshot{})
	return result.RowsAffected, result.Error
}

// --- CronJobs ---

type cronJobStore struct{ db *gorm.DB }

func (c cronJobStore) Upsert(ctx context.Context, job *models.CronJob) error {
	return c.db.WithContext(ctx).Save(job).Error
}

func (c cronJobStore) ListActive(ctx context.Context) ([]models.CronJob, error) {
	var jobs []models.CronJob
	if err := c.db.WithContext(ctx).Where("active = ?", true).Find(&jobs).Error; err != nil {
		return nil, fmt.Errorf("failed to list active jobs: %w", err)
	}
	return jobs, nil
}

func (c cronJobStore) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	result := c.db.WithContext(ctx).Model(&models.CronJob{}).Where("id = ?", id).Update("active", active)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (c cronJobStore) Delete(ctx context.Context, id uuid.UUID) error {
	result := c.db.WithContext(ctx).Delete(&models.CronJob{}, "id = ?", id)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func (c cronJobStore) Find(ctx context.Context, id uuid.UUID) (*models.CronJob, error) {
	var job models.CronJob
	if err := c.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// --- JobExecutions ---

type jobExecutionStore struct{ db *gorm.DB }

func (j jobExecutionStore) Append(ctx context.Context, exec *models.JobExecution) error {
	if err := j.db.WithContext(ctx).Create(exec).Error; err != nil {
		return fmt.Errorf("failed to append job execution: %w", err)
	}
	return nil
}

func (j jobExecutionStore) ListByJob(ctx context.Context, jobID uuid.UUID, limit int) ([]models.JobExecution, error) {
	var execs []models.JobExecution
	q := j.db.WithContext(ctx).Where("job_id = ?", jobID).Order("started_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&execs).Error; err != nil {
		return nil, fmt.Errorf("failed to list job executions: %w", err)
	}
	return execs, nil
}

// Trim evicts JobExecutions beyond the keepN most recent for one job.
func (j jobExecutionStore) Trim(ctx context.Context, jobID uuid.UUID, keepN int) (int64, error) {
	var ids []uuid.UUID
	err := j.db.WithContext(ctx).
		Model(&models.JobExecution{}).
		Where("job_id = ?", jobID).
		Order("started_at desc").
		Offset(keepN).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, fmt.Errorf("failed to select stale executions: %w", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	result := j.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.JobExecution{})
	return result.RowsAffected, result.Error
}

// FailRunning reconciles executions orphaned by a crash: anything still
// RUNNING at engine startup can no longer complete, so it is closed out
// as FAILED with the supplied reason.
func (j jobExecutionStore) FailRunning(ctx context.Context, reason string) (int64, error) {
	result := j.db.WithContext(ctx).
		Model(&models.JobExecution{}).
		Where("status = ?", models.ExecRunning).
		Updates(map[string]interface{}{
			"status":   models.ExecFailed,
			"error":    reason,
			"ended_at": time.Now(),
		})
	if result.Error != nil {
		return 0, fmt.Errorf("failed to reconcile orphaned executions: %w", result.Error)
	}
	return result.RowsAffected, nil
}

func (j jobExecutionStore) UpdateResult(ctx context.Context, id uuid.UUID, status models.ExecutionStatus, output, errMsg string, endedAt time.Time, durationMs int64) error {
	result := j.db.WithContext(ctx).Model(&models.JobExecution{}).Where("id = ?", id).Updates(map[string]interface{}{
		"status":      status,
		"output":      output,
		"error":       errMsg,
		"ended_at":    endedAt,
		"duration_ms": durationMs,
	})
	if result.Error != nil {
		return fmt.Errorf("failed to update job execution result: %w", result.Error)
	}
	return nil
}

// --- AnalysisRecords ---

type analysisRecordStore struct{ db *gorm.DB }

func (a analysisRecordStore) Create(ctx context.Context, record *models.AnalysisRecord) error {
	if err := a.db.WithContext(ctx).Create(record).Error; err != nil {
		return fmt.Errorf("failed to create analysis record: %w", err)
	}
	return nil
}

func (a analysisRecordStore) LatestByProject(ctx context.Context, projectID uuid.UUID) (*models.AnalysisRecord, error) {
	var rec models.AnalysisRecord
	err := a.db.WithContext(ctx).
		Where("project_id = ?", projectID).
		Order("captured_at desc").
		First(&rec).Error
	if err != nil {
		if err == gorm.ErrRecordNotFound {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return &rec, nil
}
