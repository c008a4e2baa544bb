// Package models defines the entities shared across the freshness,
// admission, cron, and analysis subsystems.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ProjectStatus is the operational lifecycle of a Project.
type ProjectStatus string

const (
	ProjectActive   ProjectStatus = "ACTIVE"
	ProjectInactive ProjectStatus = "INACTIVE"
)

// ProjectPriority influences scheduling order, not used to bypass admission.
type ProjectPriority string

const (
	PriorityHigh   ProjectPriority = "HIGH"
	PriorityNormal ProjectPriority = "NORMAL"
	PriorityLow    ProjectPriority = "LOW"
)

// Project is the top-level unit of competitive-intelligence tracking.
type Project struct {
	ID        uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	Name      string          `json:"name" gorm:"not null"`
	Status    ProjectStatus   `json:"status" gorm:"type:varchar(20);not null;default:'ACTIVE'"`
	Priority  ProjectPriority `json:"priority" gorm:"type:varchar(20);not null;default:'NORMAL'"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
	DeletedAt gorm.DeletedAt  `json:"-" gorm:"index"`
}

func (p *Project) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// TargetKind distinguishes a project's own product from a tracked competitor.
type TargetKind string

const (
	TargetProduct    TargetKind = "PRODUCT"
	TargetCompetitor TargetKind = "COMPETITOR"
)

// Target is a single URL tracked on behalf of a Project, either the
// project's own Product or a Competitor used for comparison.
type Target struct {
	ID          uuid.UUID      `json:"id" gorm:"type:uuid;primaryKey"`
	ProjectID   uuid.UUID      `json:"project_id" gorm:"type:uuid;not null;index"`
	Kind        TargetKind     `json:"kind" gorm:"type:varchar(20);not null"`
	DisplayName string         `json:"display_name" gorm:"not null"`
	URL         string         `json:"url" gorm:"not null;index"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
	DeletedAt   gorm.DeletedAt `json:"-" gorm:"index"`
}

func (t *Target) BeforeCreate(tx *gorm.DB) error {
	if t.ID == uuid.Nil {
		t.ID = uuid.New()
	}
	return nil
}

// SnapshotMetadata holds measurement details about one capture attempt.
type SnapshotMetadata struct {
	StatusCode    int    `json:"status_code"`
	ScrapeMs      int64  `json:"scrape_ms"`
	HTMLLength    int    `json:"html_length"`
	TextLength    int    `json:"text_length"`
	RetryCount    int    `json:"retry_count"`
	Method        string `json:"method"`
	CorrelationID string `json:"correlation_id"`
}

func (m *SnapshotMetadata) Scan(value interface{}) error {
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("snapshot metadata: type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, m)
}

func (m SnapshotMetadata) Value() (driver.Value, error) {
	return json.Marshal(m)
}

// Snapshot is an immutable captured rendering of a Target at a point in
// time. Ordered per target by CapturedAt descending.
type Snapshot struct {
	ID         uuid.UUID        `json:"id" gorm:"type:uuid;primaryKey"`
	TargetID   uuid.UUID        `json:"target_id" gorm:"type:uuid;not null;index:idx_target_captured"`
	CapturedAt time.Time        `json:"captured_at" gorm:"not null;index:idx_target_captured"`
	Title      string           `json:"title"`
	HTML       string           `json:"html,omitempty"`
	Text       string           `json:"text,omitempty"`
	// ContentRef, when set, points at externally archived HTML/text
	// (e.g. an S3 object) and HTML/Text above are left empty.
	ContentRef string           `json:"content_ref,omitempty"`
	Metadata   SnapshotMetadata `json:"metadata" gorm:"type:jsonb"`
	CreatedAt  time.Time        `json:"created_at"`
}

func (s *Snapshot) BeforeCreate(tx *gorm.DB) error {
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	return nil
}

// FreshnessState classifies how recent a Target's latest Snapshot is.
type FreshnessState string

const (
	Fresh   FreshnessState = "FRESH"
	Stale   FreshnessState = "STALE"
	Missing FreshnessState = "MISSING"
)

// ProjectFreshnessState aggregates per-target freshness for a Project.
type ProjectFreshnessState string

const (
	ProjectFresh       ProjectFreshnessState = "FRESH"
	ProjectStale       ProjectFreshnessState = "STALE"
	ProjectMissingData ProjectFreshnessState = "MISSING_DATA"
	ProjectMixed       ProjectFreshnessState = "MIXED"
)

// WorkPriority orders WorkItems within a scheduling batch.
type WorkPriority int

const (
	PriorityLowWork WorkPriority = iota
	PriorityMedium
	PriorityHighWork
)

// WorkItem is a transient unit of scrape work produced by the freshness
// evaluator and consumed by the Scheduler. Never persisted.
type WorkItem struct {
	TargetKind    TargetKind
	TargetID      uuid.UUID
	ProjectID     uuid.UUID
	Reason        string
	Priority      WorkPriority
	URL           string
	CorrelationID string
	// sequence preserves FIFO order within a priority tier.
	sequence int64
}

// Sequence returns the insertion order used to break priority ties.
func (w WorkItem) Sequence() int64 { return w.sequence }

// WithSequence returns a copy of the WorkItem tagged with an insertion index.
func (w WorkItem) WithSequence(n int64) WorkItem {
	w.sequence = n
	return w
}

// TargetFreshness describes one target's freshness classification.
type TargetFreshness struct {
	TargetID      uuid.UUID
	Kind          TargetKind
	State         FreshnessState
	AgeDays       float64
	NeedsScraping bool
}

// ProjectFreshness is the result of evaluating all of a Project's targets.
type ProjectFreshness struct {
	ProjectID         uuid.UUID
	Overall           ProjectFreshnessState
	Targets           []TargetFreshness
	RecommendedAction string
}

// JobKind enumerates the supported CronJob categories.
type JobKind string

const (
	JobScheduledReport   JobKind = "SCHEDULED_REPORT"
	JobPeriodicAnalysis  JobKind = "PERIODIC_ANALYSIS"
	JobSystemMaintenance JobKind = "SYSTEM_MAINTENANCE"
	JobFreshnessSweep    JobKind = "FRESHNESS_SWEEP"
)

// CronJobState is the lifecycle state machine position of a CronJob.
type CronJobState string

const (
	JobReady          CronJobState = "READY"
	JobActive         CronJobState = "ACTIVE"
	JobRunning        CronJobState = "RUNNING"
	JobRetryScheduled CronJobState = "RETRY_SCHEDULED"
	JobRecovery       CronJobState = "RECOVERY"
	JobPaused         CronJobState = "PAUSED"
)

// CronJob is a named, persisted job bound to a cron expression.
type CronJob struct {
	ID               uuid.UUID  `json:"id" gorm:"type:uuid;primaryKey"`
	Name             string     `json:"name" gorm:"not null;uniqueIndex"`
	Expression       string     `json:"expression" gorm:"not null"`
	Kind             JobKind    `json:"kind" gorm:"type:varchar(30);not null"`
	Active           bool       `json:"active" gorm:"not null;default:true"`
	MaxRetries       int        `json:"max_retries" gorm:"not null;default:3"`
	BaseRetryDelayMs int64      `json:"base_retry_delay_ms" gorm:"not null;default:5000"`
	TimeoutMs        int64      `json:"timeout_ms" gorm:"not null;default:600000"`
	ProjectID        *uuid.UUID `json:"project_id,omitempty" gorm:"type:uuid;index"`
	Timezone         string     `json:"timezone" gorm:"not null;default:'UTC'"`
	Metadata         JSONMap    `json:"metadata" gorm:"type:jsonb"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

func (j *CronJob) BeforeCreate(tx *gorm.DB) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	return nil
}

// JSONMap is a free-form JSONB column used for CronJob metadata.
type JSONMap map[string]interface{}

func (m *JSONMap) Scan(value interface{}) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("jsonmap: type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, m)
}

func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return json.Marshal(JSONMap{})
	}
	return json.Marshal(m)
}

// ExecutionStatus is the outcome of one JobExecution attempt.
type ExecutionStatus string

const (
	ExecRunning ExecutionStatus = "RUNNING"
	ExecSuccess ExecutionStatus = "SUCCESS"
	ExecFailed  ExecutionStatus = "FAILED"
	ExecTimeout ExecutionStatus = "TIMEOUT"
	ExecRetry   ExecutionStatus = "RETRY"
)

// JobExecution is one attempt (initial or retry) of a CronJob invocation.
type JobExecution struct {
	ID         uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	JobID      uuid.UUID       `json:"job_id" gorm:"type:uuid;not null;index"`
	StartedAt  time.Time       `json:"started_at" gorm:"not null;index"`
	EndedAt    *time.Time      `json:"ended_at,omitempty"`
	Status     ExecutionStatus `json:"status" gorm:"type:varchar(20);not null"`
	Attempt    int             `json:"attempt" gorm:"not null;default:1"`
	Output     string          `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	DurationMs int64           `json:"duration_ms"`
}

func (e *JobExecution) BeforeCreate(tx *gorm.DB) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	return nil
}

// AnalysisQuality grades how trustworthy an AnalysisRecord's output is.
type AnalysisQuality string

const (
	QualityHigh   AnalysisQuality = "HIGH"
	QualityMedium AnalysisQuality = "MEDIUM"
	QualityLow    AnalysisQuality = "LOW"
	QualityFailed AnalysisQuality = "FAILED"
)

// AnalysisType selects the shape of analysis requested from the backend.
type AnalysisType string

const (
	AnalysisCompetitive   AnalysisType = "competitive"
	AnalysisTrend         AnalysisType = "trend"
	AnalysisComprehensive AnalysisType = "comprehensive"
)

// AnalysisRecord is the immutable, persisted output of one successful
// analysis run for a Project.
type AnalysisRecord struct {
	ID           uuid.UUID       `json:"id" gorm:"type:uuid;primaryKey"`
	ProjectID    uuid.UUID       `json:"project_id" gorm:"type:uuid;not null;index"`
	CapturedAt   time.Time       `json:"captured_at" gorm:"not null;index"`
	InputIDs     UUIDSlice       `json:"input_ids" gorm:"type:jsonb"`
	Output       string          `json:"output"`
	Quality      AnalysisQuality `json:"quality" gorm:"type:varchar(20);not null"`
	AnalysisType AnalysisType    `json:"analysis_type" gorm:"type:varchar(30)"`
	CreatedAt    time.Time       `json:"created_at"`
}

func (a *AnalysisRecord) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}

// UUIDSlice is a JSONB-encoded list of snapshot IDs used as analysis input.
type UUIDSlice []uuid.UUID

func (u *UUIDSlice) Scan(value interface{}) error {
	if value == nil {
		*u = nil
		return nil
	}
	bytes, ok := value.([]byte)
	if !ok {
		return errors.New("uuidslice: type assertion to []byte failed")
	}
	return json.Unmarshal(bytes, u)
}

func (u UUIDSlice) Value() (driver.Value, error) {
	return json.Marshal(u)
}

// RateLimitDecision is the transient outcome of an AdmissionController check.
type RateLimitDecision struct {
	Allowed         bool
	Reason          string
	WaitTimeMs      int64
	Fallback        string
	QuotaDaily      int
	QuotaHourly     int
	QuotaConcurrent int
	CostProjection  float64
}

// CircuitPhase is a position in the circuit-breaker state machine.
type CircuitPhase string

const (
	CircuitClosed   CircuitPhase = "CLOSED"
	CircuitOpen     CircuitPhase = "OPEN"
	CircuitHalfOpen CircuitPhase = "HALF_OPEN"
)

// CircuitState snapshots the circuit breaker for metrics/inspection.
type CircuitState struct {
	Phase                CircuitPhase
	ErrorCount           int
	SuccessCount         int
	TotalRequests        int
	ErrorRate            float64
	LastFailure          *time.Time
	NextRetry            *time.Time
	HalfOpenTestRequests int
}

// ThrottleEntry tracks per-key (domain or project) admission spacing.
type ThrottleEntry struct {
	Key             string
	LastRequestTime time.Time
	NextAllowedTime time.Time
	RequestCount    int64
	Throttled       bool
}
