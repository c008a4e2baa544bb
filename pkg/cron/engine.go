// Package cron implements the CronEngine job scheduler: named jobs on
// cron-expression schedules with retry, timeout, health monitoring, and
// self-healing recovery, built on robfig/cron/v3 for expression parsing
// and scheduling with engine-tracked runtime state per job.
package cron

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"pulsecore/pkg/logger"
	"pulsecore/pkg/metrics"
	"pulsecore/pkg/models"
	"pulsecore/pkg/store"
)

// Config holds CronEngine tunables.
type Config struct {
	MaxConsecutiveFailures int
	EscalationThreshold    int
	ExecutionRetention     int
	RecoveryDelay          time.Duration
}

// DefaultConfig returns the stock engine tunables.
func DefaultConfig() Config {
	return Config{
		MaxConsecutiveFailures: 3,
		EscalationThreshold:    5,
		ExecutionRetention:     100,
		RecoveryDelay:          60 * time.Second,
	}
}

// Runner is the side effect a CronJob's Kind triggers. Engine is
// deliberately ignorant of SCHEDULED_REPORT/PERIODIC_ANALYSIS/etc.
// semantics; cmd/orchestrator registers one Runner per JobKind.
type Runner func(ctx context.Context, job models.CronJob) (output string, err error)

// jobRuntime tracks the in-memory state machine position for one job.
// CronJob rows persist only config (Active/Name/Expression/etc); the
// runtime state is rebuilt from it on startup.
type jobRuntime struct {
	mu                  sync.Mutex
	job                 models.CronJob
	state               models.CronJobState
	consecutiveFailures int
	lastSuccessful      time.Time
	lastTick            time.Time
	entryID             cron.EntryID
}

// Engine runs every active CronJob on its own robfig/cron/v3 schedule.
type Engine struct {
	cfg     Config
	jobs    store.CronJobStore
	execs   store.JobExecutionStore
	parser  cron.Parser
	runners map[models.JobKind]Runner

	mu      sync.RWMutex
	cron    *cron.Cron
	runtime map[uuid.UUID]*jobRuntime
}

// New builds a CronEngine. runners maps each JobKind to the function
// that actually executes it; a job whose Kind has no registered runner
// fails immediately with an unsupported-kind error.
func New(cfg Config, jobs store.CronJobStore, execs store.JobExecutionStore, runners map[models.JobKind]Runner) *Engine {
	return &Engine{
		cfg:     cfg,
		jobs:    jobs,
		execs:   execs,
		parser:  cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow),
		runners: runners,
		cron:    cron.New(),
		runtime: make(map[uuid.UUID]*jobRuntime),
	}
}

// Start loads persisted job config and begins ticking active jobs, then
// starts the underlying cron.Cron scheduler.
func (e *Engine) Start(ctx context.Context) error {
	// Executions left RUNNING by a previous process can never finish.
	if n, err := e.execs.FailRunning(ctx, "process_restart"); err != nil {
		logger.Get().Warn("failed to reconcile orphaned executions", zap.Error(err))
	} else if n > 0 {
		logger.Get().Info("reconciled orphaned executions from previous run", zap.Int64("count", n))
	}

	jobs, err := e.jobs.ListActive(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active cron jobs: %w", err)
	}

	for _, job := range jobs {
		if err := e.install(ctx, job); err != nil {
			logger.Get().Error("failed to install cron job on startup",
				zap.String("job_name", job.Name), zap.Error(err))
		}
	}

	e.cron.Start()
	return nil
}

// Stop halts the tick wheel; running invocations are allowed to finish.
func (e *Engine) Stop(ctx context.Context) {
	stopCtx := e.cron.Stop()
	<-stopCtx.Done()
}

// ScheduleJob validates the cron expression, persists the job, and
// installs it on the tick wheel if active.
func (e *Engine) ScheduleJob(ctx context.Context, job models.CronJob) error {
	if _, err := e.parser.Parse(job.Expression); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", job.Expression, err)
	}
	if job.Timezone == "" {
		job.Timezone = "UTC"
	}

	if err := e.jobs.Upsert(ctx, &job); err != nil {
		return fmt.Errorf("failed to persist cron job: %w", err)
	}

	if job.Active {
		return e.install(ctx, job)
	}
	return nil
}

func (e *Engine) install(ctx context.Context, job models.CronJob) error {
	loc, err := time.LoadLocation(job.Timezone)
	if err != nil {
		loc = time.UTC
	}
	schedule, err := e.parser.Parse(job.Expression)
	if err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", job.Expression, err)
	}

	rt := &jobRuntime{job: job, state: models.JobActive}

	e.mu.Lock()
	e.runtime[job.ID] = rt
	id := e.cron.Schedule(zonedSchedule{schedule: schedule, loc: loc}, cron.FuncJob(func() {
		e.tick(context.Background(), job.ID)
	}))
	rt.entryID = id
	metrics.CronJobsActive.Set(float64(len(e.runtime)))
	e.mu.Unlock()

	return nil
}

// zonedSchedule adapts a cron.Schedule to evaluate Next() in a fixed
// location, since robfig/cron/v3's own TZ support is per-Cron-instance
// and this Engine runs every job's schedule on one shared instance.
type zonedSchedule struct {
	schedule cron.Schedule
	loc      *time.Location
}

func (z zonedSchedule) Next(t time.Time) time.Time {
	return z.schedule.Next(t.In(z.loc))
}

// tick fires one invocation attempt for job id, skipping (and logging)
// if the job is already RUNNING or RETRY_SCHEDULED; only one invocation
// per job runs at a time.
func (e *Engine) tick(ctx context.Context, id uuid.UUID) {
	e.mu.RLock()
	rt, ok := e.runtime[id]
	e.mu.RUnlock()
	if !ok {
		return
	}

	rt.mu.Lock()
	if rt.state == models.JobRunning || rt.state == models.JobRetryScheduled {
		logger.Get().Info("cron tick skipped, invocation already in flight",
			zap.String("job_name", rt.job.Name), zap.String("state", string(rt.state)))
		rt.mu.Unlock()
		return
	}
	if rt.state == models.JobPaused {
		rt.mu.Unlock()
		return
	}
	rt.lastTick = time.Now()
	rt.mu.Unlock()

	e.invoke(ctx, rt, 1)
}

// TriggerJob forces an immediate invocation of id, bypassing the tick
// wheel.
func (e *Engine) TriggerJob(ctx context.Context, id uuid.UUID) error {
	e.mu.RLock()
	rt, ok := e.runtime[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("cron job %s is not installed", id)
	}
	e.invoke(ctx, rt, 1)
	return nil
}

func (e *Engine) invoke(ctx context.Context, rt *jobRuntime, attempt int) {
	rt.mu.Lock()
	rt.state = models.JobRunning
	job := rt.job
	rt.mu.Unlock()

	runner, ok := e.runners[job.Kind]
	if !ok {
		err := fmt.Errorf("no runner registered for job kind %s", job.Kind)
		now := time.Now()
		_ = e.execs.Append(ctx, &models.JobExecution{
			JobID:     job.ID,
			StartedAt: now,
			EndedAt:   &now,
			Status:    models.ExecFailed,
			Attempt:   attempt,
			Error:     err.Error(),
		})
		metrics.RecordCronExecution(job.Name, "failed", 0)
		e.recordFailure(ctx, rt, attempt, err)
		return
	}

	timeout := time.Duration(job.TimeoutMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	exec := &models.JobExecution{
		JobID:     job.ID,
		StartedAt: time.Now(),
		Status:    models.ExecRunning,
		Attempt:   attempt,
	}
	_ = e.execs.Append(ctx, exec)

	start := time.Now()
	output, err := runner(runCtx, job)
	duration := time.Since(start)

	if runCtx.Err() == context.DeadlineExceeded {
		err = fmt.Errorf("job timed out after %s: %w", timeout, runCtx.Err())
		_ = e.execs.UpdateResult(ctx, exec.ID, models.ExecTimeout, output, err.Error(), time.Now(), duration.Milliseconds())
		metrics.RecordCronExecution(job.Name, "timeout", duration.Seconds())
		e.recordFailure(ctx, rt, attempt, err)
		return
	}

	if err != nil {
		// A failure with retry budget left is recorded as RETRY; the
		// terminal attempt is recorded as FAILED.
		status := models.ExecFailed
		if attempt <= job.MaxRetries {
			status = models.ExecRetry
		}
		_ = e.execs.UpdateResult(ctx, exec.ID, status, output, err.Error(), time.Now(), duration.Milliseconds())
		metrics.RecordCronExecution(job.Name, "failed", duration.Seconds())
		e.recordFailure(ctx, rt, attempt, err)
		return
	}

	_ = e.execs.UpdateResult(ctx, exec.ID, models.ExecSuccess, output, "", time.Now(), duration.Milliseconds())
	metrics.RecordCronExecution(job.Name, "success", duration.Seconds())
	_, _ = e.execs.Trim(ctx, job.ID, e.cfg.ExecutionRetention)

	rt.mu.Lock()
	rt.state = models.JobActive
	rt.consecutiveFailures = 0
	rt.lastSuccessful = time.Now()
	rt.mu.Unlock()
}

// recordFailure applies the self-healing policy: retry with
// exponential-by-attempt delay up to MaxRetries, then
// escalate through RECOVERY once MaxConsecutiveFailures/
// EscalationThreshold are crossed.
func (e *Engine) recordFailure(ctx context.Context, rt *jobRuntime, attempt int, cause error) {
	rt.mu.Lock()
	rt.consecutiveFailures++
	failures := rt.consecutiveFailures
	job := rt.job
	rt.mu.Unlock()

	logger.Get().Warn("cron job invocation failed",
		zap.String("job_name", job.Name), zap.Int("attempt", attempt),
		zap.Int("consecutive_failures", failures), zap.Error(cause))

	if attempt <= job.MaxRetries {
		rt.mu.Lock()
		rt.state = models.JobRetryScheduled
		rt.mu.Unlock()

		delay := time.Duration(job.BaseRetryDelayMs) * time.Duration(attempt) * time.Millisecond
		metrics.CronRetriesTotal.WithLabelValues(job.Name).Inc()
		go func() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			e.invoke(ctx, rt, attempt+1)
		}()
		return
	}

	rt.mu.Lock()
	rt.state = models.JobRecovery
	rt.mu.Unlock()

	switch {
	case failures >= e.cfg.EscalationThreshold:
		logger.Get().Error("cron job escalated, pausing", zap.String("job_name", job.Name))
		_ = e.PauseJob(ctx, job.ID)
		metrics.RecordRemediation("pause_job", "escalated")
	case failures >= e.cfg.MaxConsecutiveFailures:
		logger.Get().Warn("cron job entering standard recovery", zap.String("job_name", job.Name))
		metrics.RecordRemediation("restart_tick_wheel", "standard_recovery")
		go e.restartAfterRecovery(rt)
	}
}

func (e *Engine) restartAfterRecovery(rt *jobRuntime) {
	time.Sleep(e.cfg.RecoveryDelay)
	rt.mu.Lock()
	if rt.state == models.JobRecovery {
		rt.state = models.JobActive
	}
	rt.mu.Unlock()
}

// PauseJob stops ticking id and persists the paused flag.
func (e *Engine) PauseJob(ctx context.Context, id uuid.UUID) error {
	e.mu.RLock()
	rt, ok := e.runtime[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("cron job %s is not installed", id)
	}

	rt.mu.Lock()
	rt.state = models.JobPaused
	rt.mu.Unlock()

	return e.jobs.SetActive(ctx, id, false)
}

// ResumeJob resumes ticking id, resetting consecutiveFailures and any
// RECOVERY state.
func (e *Engine) ResumeJob(ctx context.Context, id uuid.UUID) error {
	e.mu.RLock()
	rt, ok := e.runtime[id]
	e.mu.RUnlock()
	if !ok {
		return fmt.Errorf("cron job %s is not installed", id)
	}

	rt.mu.Lock()
	rt.state = models.JobActive
	rt.consecutiveFailures = 0
	rt.mu.Unlock()

	return e.jobs.SetActive(ctx, id, true)
}

// JobHealth is the per-job status performHealthChecks reports.
type JobHealth struct {
	JobID               uuid.UUID
	Name                string
	State               models.CronJobState
	ConsecutiveFailures int
	LastTick            time.Time
	LastSuccessful      time.Time
	Status              string // HEALTHY | DEGRADED | UNHEALTHY
}

// PerformHealthChecks reports every installed job's state, last tick and
// last success, graded by consecutive failures (DEGRADED at
// MaxConsecutiveFailures, UNHEALTHY at EscalationThreshold). Tick-wheel
// liveness and the time since the last execution are not evaluated.
func (e *Engine) PerformHealthChecks() []JobHealth {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]JobHealth, 0, len(e.runtime))
	for id, rt := range e.runtime {
		rt.mu.Lock()
		h := JobHealth{
			JobID:               id,
			Name:                rt.job.Name,
			State:                rt.state,
			ConsecutiveFailures: rt.consecutiveFailures,
			LastTick:            rt.lastTick,
			LastSuccessful:      rt.lastSuccessful,
		}
		switch {
		case rt.consecutiveFailures >= e.cfg.EscalationThreshold:
			h.Status = "UNHEALTHY"
		case rt.consecutiveFailures >= e.cfg.MaxConsecutiveFailures:
			h.Status = "DEGRADED"
		default:
			h.Status = "HEALTHY"
		}
		rt.mu.Unlock()
		out = append(out, h)
	}
	return out
}

// ListJobs reports every installed job's current state for the
// management surface.
func (e *Engine) ListJobs() []JobHealth {
	return e.PerformHealthChecks()
}
