// Package health implements the HealthSupervisor: periodic multi-dimensional
// health evaluation and proactive remediation across the admission,
// freshness/scheduling, and cron subsystems, with a
// CLEAR_CACHE/REDUCE_LOAD/RESOURCE_CLEANUP/RESTART_SERVICE remediation
// set guarded by per-action cooldowns.
package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"

	"pulsecore/pkg/admission"
	"pulsecore/pkg/cron"
	"pulsecore/pkg/logger"
	"pulsecore/pkg/metrics"
	"pulsecore/pkg/store"
)

// RemediationAction enumerates the supported self-healing actions.
type RemediationAction string

const (
	ClearCache      RemediationAction = "CLEAR_CACHE"
	ReduceLoad      RemediationAction = "REDUCE_LOAD"
	ResourceCleanup RemediationAction = "RESOURCE_CLEANUP"
	RestartService  RemediationAction = "RESTART_SERVICE"
)

// ServiceStatus is the coarse health grade for one subsystem.
type ServiceStatus string

const (
	Healthy  ServiceStatus = "HEALTHY"
	Warning  ServiceStatus = "WARNING"
	Critical ServiceStatus = "CRITICAL"
	Unknown  ServiceStatus = "UNKNOWN"
)

// Config holds HealthSupervisor tunables.
type Config struct {
	CheckInterval    time.Duration
	CooldownPeriod   time.Duration
	ReduceLoadFactor float64
	EnabledActions   map[RemediationAction]bool

	ExecutionRetention int
	SnapshotRetention  int
	MaxThrottleAge     time.Duration
}

// DefaultConfig enables CLEAR_CACHE, REDUCE_LOAD, and RESOURCE_CLEANUP;
// RESTART_SERVICE stays disabled.
func DefaultConfig() Config {
	return Config{
		CheckInterval:    5 * time.Minute,
		CooldownPeriod:   10 * time.Minute,
		ReduceLoadFactor: 0.8,
		EnabledActions: map[RemediationAction]bool{
			ClearCache:      true,
			ReduceLoad:      true,
			ResourceCleanup: true,
			RestartService:  false,
		},
		ExecutionRetention: 100,
		SnapshotRetention:  50,
		MaxThrottleAge:     30 * time.Minute,
	}
}

// RemediationRecord is the outcome of one self-healing attempt. Actions
// that cannot run report status FAILED with effectiveness 0 rather than
// raising.
type RemediationRecord struct {
	Action        RemediationAction
	Status        string // APPLIED | SKIPPED | FAILED
	Effectiveness float64
	Detail        string
	At            time.Time
}

// SystemHealthStatus is the composite report PerformHealthChecks returns.
type SystemHealthStatus struct {
	Score               int
	Services            map[string]ServiceStatus
	Issues              []string
	RecommendedActions  []RemediationAction
	CheckedAt           time.Time
	MemPercent          float64
	CPUPercent          float64
	ActiveThrottles     int
	GlobalInFlight      int
	TargetsNeverScraped int
	StaleProjectRatio   float64
}

// Supervisor runs periodic health evaluation plus proactive remediation
// over the admission controller, cron engine, and object store.
type Supervisor struct {
	cfg       Config
	admission *admission.AdmissionController
	cron      *cron.Engine
	objStore  store.ObjectStore
	log       *zap.Logger

	mu           sync.Mutex
	lastActionAt map[RemediationAction]time.Time
	reducedBy    int // previous MaxGlobalConcurrent, 0 if not currently reduced
}

// New builds a HealthSupervisor over the already-constructed core
// components. objStore may be nil in tests that only exercise the
// admission/cron dimensions.
func New(cfg Config, ac *admission.AdmissionController, cronEngine *cron.Engine, objStore store.ObjectStore, log *zap.Logger) *Supervisor {
	if log == nil {
		log = logger.Get()
	}
	return &Supervisor{
		cfg:          cfg,
		admission:    ac,
		cron:         cronEngine,
		objStore:     objStore,
		log:          log,
		lastActionAt: make(map[RemediationAction]time.Time),
	}
}

// Run starts the periodic health-check/remediation loop; blocks until ctx
// is cancelled.
func (s *Supervisor) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			status := s.PerformHealthChecks(ctx)
			s.remediate(ctx, status)
		}
	}
}

// PerformHealthChecks evaluates each health dimension: resource
// snapshot, per-component health and data-integrity metrics, folding
// them into one SystemHealthStatus. No business metrics are computed.
func (s *Supervisor) PerformHealthChecks(ctx context.Context) SystemHealthStatus {
	status := SystemHealthStatus{
		Services:  make(map[string]ServiceStatus),
		CheckedAt: time.Now(),
	}

	status.MemPercent, status.CPUPercent = resourceUsage()
	status.ActiveThrottles = s.admission.ActiveThrottleCount()
	status.GlobalInFlight = s.admission.GlobalInFlight()

	admissionScore := s.admission.HealthScore()
	status.Services["admission"] = scoreToStatus(admissionScore)
	metrics.HealthScore.WithLabelValues("admission").Set(float64(admissionScore))
	if admissionScore < 50 {
		status.Issues = append(status.Issues, "admission controller degraded (circuit open or high denial rate)")
		status.RecommendedActions = append(status.RecommendedActions, ClearCache)
	}

	cronStatus, unhealthyJobs := s.cronHealth()
	status.Services["cron"] = cronStatus
	metrics.HealthScore.WithLabelValues("cron").Set(cronScoreFor(cronStatus))
	if unhealthyJobs > 0 {
		status.Issues = append(status.Issues, fmt.Sprintf("%d cron job(s) unhealthy", unhealthyJobs))
	}

	integrityStatus, staleRatio, neverScraped := s.dataIntegrity(ctx)
	status.Services["data_integrity"] = integrityStatus
	status.TargetsNeverScraped = neverScraped
	status.StaleProjectRatio = staleRatio
	metrics.HealthScore.WithLabelValues("data_integrity").Set(serviceScore(integrityStatus))
	if neverScraped > 0 {
		status.Issues = append(status.Issues, fmt.Sprintf("%d target(s) have never been scraped", neverScraped))
		status.RecommendedActions = append(status.RecommendedActions, ResourceCleanup)
	}
	if staleRatio > 0.5 {
		status.Issues = append(status.Issues, "majority of projects are stale or missing data")
	}

	resourceStatus := Healthy
	switch {
	case status.MemPercent > 90 || status.CPUPercent > 90:
		resourceStatus = Critical
		status.Issues = append(status.Issues, "host resource pressure high")
		status.RecommendedActions = append(status.RecommendedActions, ReduceLoad)
	case status.MemPercent > 75 || status.CPUPercent > 75:
		resourceStatus = Warning
	}
	status.Services["resources"] = resourceStatus
	metrics.HealthScore.WithLabelValues("resources").Set(serviceScore(resourceStatus))

	status.Score = compositeScore(status.Services, len(status.Issues))
	metrics.HealthScore.WithLabelValues("overall").Set(float64(status.Score))
	return status
}

func (s *Supervisor) cronHealth() (ServiceStatus, int) {
	if s.cron == nil {
		return Unknown, 0
	}
	jobHealth := s.cron.PerformHealthChecks()
	status := Healthy
	unhealthy := 0
	for _, jh := range jobHealth {
		switch jh.Status {
		case "UNHEALTHY":
			unhealthy++
			status = Critical
		case "DEGRADED":
			if status != Critical {
				status = Warning
			}
		}
	}
	return status, unhealthy
}

// dataIntegrity walks every project's targets, whatever the project's
// status, counting how many
// have never been scraped and how many projects are overall stale.
// Best-effort: a store error degrades the service to UNKNOWN rather
// than failing the whole health check.
func (s *Supervisor) dataIntegrity(ctx context.Context) (ServiceStatus, float64, int) {
	if s.objStore == nil {
		return Unknown, 0, 0
	}

	projects, err := s.objStore.Projects().List(ctx, nil)
	if err != nil {
		s.log.Warn("health check: failed to list projects", zap.Error(err))
		return Unknown, 0, 0
	}
	if len(projects) == 0 {
		return Healthy, 0, 0
	}

	neverScraped := 0
	staleProjects := 0
	for _, project := range projects {
		targets, err := s.objStore.Targets().List(ctx, project.ID)
		if err != nil {
			continue
		}
		projectStale := false
		for _, target := range targets {
			snap, err := s.objStore.Snapshots().LatestByTarget(ctx, target.ID)
			if err == store.ErrNotFound || snap == nil {
				neverScraped++
				projectStale = true
				continue
			}
			if err != nil {
				continue
			}
			if time.Since(snap.CapturedAt) > 7*24*time.Hour {
				projectStale = true
			}
		}
		if projectStale {
			staleProjects++
		}
	}

	ratio := float64(staleProjects) / float64(len(projects))
	status := Healthy
	if ratio > 0.5 {
		status = Critical
	} else if ratio > 0.2 {
		status = Warning
	}
	return status, ratio, neverScraped
}

// remediate applies enabled remediation actions for RecommendedActions.
// A single action is never invoked twice within its cooldown period.
func (s *Supervisor) remediate(ctx context.Context, status SystemHealthStatus) []RemediationRecord {
	seen := make(map[RemediationAction]bool)
	var records []RemediationRecord
	for _, action := range status.RecommendedActions {
		if seen[action] {
			continue
		}
		seen[action] = true
		records = append(records, s.apply(ctx, action))
	}
	return records
}

// apply runs one remediation action, enforcing its cooldown and the
// enabled-set, and returns the resulting record; remediation reports
// FAILED rather than raising.
func (s *Supervisor) apply(ctx context.Context, action RemediationAction) RemediationRecord {
	now := time.Now()

	s.mu.Lock()
	if last, ok := s.lastActionAt[action]; ok && now.Sub(last) < s.cfg.CooldownPeriod {
		s.mu.Unlock()
		rec := RemediationRecord{Action: action, Status: "SKIPPED", Detail: "cooldown active", At: now}
		metrics.RecordRemediation(string(action), "skipped_cooldown")
		return rec
	}
	if !s.cfg.EnabledActions[action] {
		s.mu.Unlock()
		rec := RemediationRecord{Action: action, Status: "FAILED", Effectiveness: 0, Detail: "action disabled", At: now}
		metrics.RecordRemediation(string(action), "disabled")
		return rec
	}
	s.lastActionAt[action] = now
	s.mu.Unlock()

	switch action {
	case ClearCache:
		return s.clearCache(now)
	case ReduceLoad:
		return s.reduceLoad(now)
	case ResourceCleanup:
		return s.resourceCleanup(ctx, now)
	case RestartService:
		// Never performed automatically; raises the operational signal
		// by returning FAILED/0 rather than acting.
		metrics.RecordRemediation(string(action), "not_performed")
		return RemediationRecord{Action: action, Status: "FAILED", Effectiveness: 0, Detail: "restart requires operator action", At: now}
	default:
		return RemediationRecord{Action: action, Status: "FAILED", Effectiveness: 0, Detail: "unknown action", At: now}
	}
}

func (s *Supervisor) clearCache(now time.Time) RemediationRecord {
	before := s.admission.ActiveThrottleCount()
	s.admission.ClearThrottles()
	after := s.admission.ActiveThrottleCount()
	s.log.Info("health remediation: cleared throttle cache", zap.Int("entries_before", before), zap.Int("entries_after", after))
	metrics.RecordRemediation(string(ClearCache), "applied")
	return RemediationRecord{
		Action:        ClearCache,
		Status:        "APPLIED",
		Effectiveness: 1,
		Detail:        fmt.Sprintf("cleared %d throttle entries", before-after),
		At:            now,
	}
}

// reduceLoad lowers MaxGlobalConcurrent by cfg.ReduceLoadFactor for one
// cooldown window, then restores it.
func (s *Supervisor) reduceLoad(now time.Time) RemediationRecord {
	s.mu.Lock()
	if s.reducedBy != 0 {
		s.mu.Unlock()
		return RemediationRecord{Action: ReduceLoad, Status: "SKIPPED", Detail: "already reduced", At: now}
	}
	current := s.admission.MaxGlobalConcurrent()
	reduced := int(float64(current) * s.cfg.ReduceLoadFactor)
	if reduced < 1 {
		reduced = 1
	}
	prev := s.admission.SetMaxGlobalConcurrent(reduced)
	s.reducedBy = prev
	s.mu.Unlock()

	s.log.Warn("health remediation: reduced global concurrency", zap.Int("from", prev), zap.Int("to", reduced))
	metrics.RecordRemediation(string(ReduceLoad), "applied")

	cooldown := s.cfg.CooldownPeriod
	go func() {
		time.Sleep(cooldown)
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.reducedBy != 0 {
			s.admission.SetMaxGlobalConcurrent(s.reducedBy)
			s.reducedBy = 0
		}
	}()

	return RemediationRecord{
		Action:        ReduceLoad,
		Status:        "APPLIED",
		Effectiveness: s.cfg.ReduceLoadFactor,
		Detail:        fmt.Sprintf("max_global_concurrent %d -> %d for %s", prev, reduced, cooldown),
		At:            now,
	}
}

// resourceCleanup evicts stale throttle entries and trims old snapshots
// beyond retention for every target.
func (s *Supervisor) resourceCleanup(ctx context.Context, now time.Time) RemediationRecord {
	domainEvicted, projectEvicted := s.admission.RunMaintenance(s.cfg.MaxThrottleAge)
	snapshotsTrimmed := int64(0)

	if s.objStore != nil {
		projects, err := s.objStore.Projects().List(ctx, nil)
		if err == nil {
			for _, project := range projects {
				targets, err := s.objStore.Targets().List(ctx, project.ID)
				if err != nil {
					continue
				}
				for _, target := range targets {
					n, err := s.objStore.Snapshots().DeleteOlderThan(ctx, target.ID, s.cfg.SnapshotRetention)
					if err == nil {
						snapshotsTrimmed += n
					}
				}
			}
		}
	}

	detail := fmt.Sprintf("evicted %d domain + %d project throttle entries, trimmed %d snapshots",
		domainEvicted, projectEvicted, snapshotsTrimmed)
	s.log.Info("health remediation: resource cleanup", zap.String("detail", detail))
	metrics.RecordRemediation(string(ResourceCleanup), "applied")
	return RemediationRecord{Action: ResourceCleanup, Status: "APPLIED", Effectiveness: 1, Detail: detail, At: now}
}

func resourceUsage() (memPercent, cpuPercent float64) {
	if v, err := mem.VirtualMemory(); err == nil {
		memPercent = v.UsedPercent
	}
	if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		cpuPercent = pcts[0]
	}
	return memPercent, cpuPercent
}

func scoreToStatus(score int) ServiceStatus {
	switch {
	case score >= 80:
		return Healthy
	case score >= 50:
		return Warning
	default:
		return Critical
	}
}

func serviceScore(status ServiceStatus) float64 {
	switch status {
	case Healthy:
		return 100
	case Warning:
		return 60
	case Critical:
		return 20
	default:
		return 50
	}
}

func cronScoreFor(status ServiceStatus) float64 {
	return serviceScore(status)
}

// compositeScore weights each service status and the raw issue count into
// a single 0-100 score.
func compositeScore(services map[string]ServiceStatus, issueCount int) int {
	if len(services) == 0 {
		return 100
	}
	total := 0.0
	for _, st := range services {
		total += serviceScore(st)
	}
	avg := total / float64(len(services))
	avg -= float64(issueCount) * 3
	if avg < 0 {
		return 0
	}
	if avg > 100 {
		return 100
	}
	return int(avg)
}
