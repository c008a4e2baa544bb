package admission

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"pulsecore/pkg/metrics"
	"pulsecore/pkg/models"
)

// Priority is the urgency a caller declares for a request.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Source identifies what initiated a request.
type Source string

const (
	SourceInitialReport   Source = "initial_report"
	SourceScheduledReport Source = "scheduled_report"
	SourceManualRequest   Source = "manual_request"
	SourceTest            Source = "test"
)

// RequestContext is the input to Check/ExecuteWithRateLimit.
type RequestContext struct {
	ProjectID        string
	CompetitorID     string
	Domain           string
	Priority         Priority
	Source           Source
	EstimatedCostUsd *float64
	RequestID        string
}

func (r RequestContext) cost(defaultCost float64) float64 {
	if r.EstimatedCostUsd != nil {
		return *r.EstimatedCostUsd
	}
	return defaultCost
}

// AdmissionController is the single in-memory gatekeeper for outbound
// scrape and analysis work: a fixed six-gate pipeline of circuit
// breaker, cost gates, usage counters, domain/project throttles, and
// concurrency caps.
type AdmissionController struct {
	cfg Config

	circuit *circuitBreaker

	domainThrottle  *throttleTable
	projectThrottle *throttleTable

	dailyCount  *rolloverCounter
	hourlyCount *rolloverCounter

	dailyCost  *costLedger
	hourlyCost *costLedger

	concurrency *concurrencyGate

	totalAllowed int64
	totalDenied  int64
}

// NewAdmissionController wires every gate from cfg.
func NewAdmissionController(cfg Config) *AdmissionController {
	now := time.Now()
	return &AdmissionController{
		cfg:             cfg,
		circuit:         newCircuitBreaker(cfg),
		domainThrottle:  newThrottleTable(cfg.PerDomainThrottle),
		projectThrottle: newThrottleTable(cfg.PerProjectThrottle),
		dailyCount:      newRolloverCounter(24*time.Hour, now),
		hourlyCount:     newRolloverCounter(time.Hour, now),
		dailyCost:       newCostLedger(24*time.Hour, now),
		hourlyCost:      newCostLedger(time.Hour, now),
		concurrency:     newConcurrencyGate(cfg.MaxGlobalConcurrent, cfg.MaxConcurrentPerProject),
	}
}

// Check applies the fixed six-gate ordering and returns the resulting
// decision without reserving any resource; ExecuteWithRateLimit is the
// only operation that actually admits and releases concurrency.
func (a *AdmissionController) Check(ctx context.Context, rc RequestContext) (models.RateLimitDecision, error) {
	now := time.Now()
	return a.check(now, rc)
}

// deny bumps the denial counters for one gate and passes the decision
// through unchanged.
func (a *AdmissionController) deny(gate string, d models.RateLimitDecision) (models.RateLimitDecision, error) {
	atomic.AddInt64(&a.totalDenied, 1)
	metrics.AdmissionDecisionsTotal.WithLabelValues(gate, "false").Inc()
	return d, nil
}

func (a *AdmissionController) check(now time.Time, rc RequestContext) (models.RateLimitDecision, error) {
	// Gate 1: circuit breaker.
	if allow, waitMs, reason := a.circuit.beforeRequest(now); !allow {
		return a.deny("circuit", models.RateLimitDecision{Allowed: false, Reason: reason, WaitTimeMs: waitMs, Fallback: "cached"})
	}

	// Gate 2: cost gates.
	cost := rc.cost(a.cfg.CostPerSnapshotUsd)
	projectedHourly := a.hourlyCost.Peek(now) + cost
	if projectedHourly > a.cfg.MaxHourlyCostUsd {
		return a.deny("cost_hourly", models.RateLimitDecision{
			Allowed:        false,
			Reason:         fmt.Sprintf("hourly cost limit exceeded (projected $%.2f > $%.2f)", projectedHourly, a.cfg.MaxHourlyCostUsd),
			WaitTimeMs:     a.hourlyCount.TimeUntilRollover(now).Milliseconds(),
			CostProjection: projectedHourly,
		})
	}
	projectedDaily := a.dailyCost.Peek(now) + cost
	if projectedDaily > a.cfg.MaxDailyCostUsd {
		return a.deny("cost_daily", models.RateLimitDecision{
			Allowed:        false,
			Reason:         fmt.Sprintf("daily cost limit exceeded (projected $%.2f > $%.2f)", projectedDaily, a.cfg.MaxDailyCostUsd),
			WaitTimeMs:     a.dailyCount.TimeUntilRollover(now).Milliseconds(),
			Fallback:       "tomorrow",
			CostProjection: projectedDaily,
		})
	}

	// Gate 3: usage counters.
	dailyUsed := a.dailyCount.Peek(now)
	if dailyUsed >= a.cfg.DailySnapshotLimit {
		return a.deny("quota_daily", models.RateLimitDecision{
			Allowed:    false,
			Reason:     "daily snapshot quota exhausted",
			WaitTimeMs: a.dailyCount.TimeUntilRollover(now).Milliseconds(),
			Fallback:   "tomorrow",
		})
	}
	hourlyUsed := a.hourlyCount.Peek(now)
	if hourlyUsed >= a.cfg.HourlySnapshotLimit {
		return a.deny("quota_hourly", models.RateLimitDecision{
			Allowed:    false,
			Reason:     "hourly snapshot quota exhausted",
			WaitTimeMs: a.hourlyCount.TimeUntilRollover(now).Milliseconds(),
		})
	}

	// Gate 4: domain throttle.
	if allow, waitMs := a.domainThrottle.check(now, rc.Domain); !allow {
		return a.deny("throttle_domain", models.RateLimitDecision{Allowed: false, Reason: "domain throttled, retry later", WaitTimeMs: waitMs})
	}

	// Gate 5: project throttle.
	if allow, waitMs := a.projectThrottle.check(now, rc.ProjectID); !allow {
		return a.deny("throttle_project", models.RateLimitDecision{Allowed: false, Reason: "project throttled, retry later", WaitTimeMs: waitMs})
	}

	// Gate 6: concurrency.
	maxGlobal := a.concurrency.getMaxGlobal()
	inFlight := a.concurrency.GlobalInFlight()
	if inFlight >= maxGlobal {
		return a.deny("concurrency", models.RateLimitDecision{
			Allowed:    false,
			Reason:     "global concurrency limit reached",
			WaitTimeMs: 30000,
			Fallback:   "queue for later",
		})
	}

	atomic.AddInt64(&a.totalAllowed, 1)
	metrics.AdmissionDecisionsTotal.WithLabelValues("allow", "true").Inc()
	metrics.ProjectedCostUsd.Set(projectedHourly)
	return models.RateLimitDecision{
		Allowed:         true,
		QuotaDaily:      a.cfg.DailySnapshotLimit - dailyUsed,
		QuotaHourly:     a.cfg.HourlySnapshotLimit - hourlyUsed,
		QuotaConcurrent: maxGlobal - inFlight,
		CostProjection:  projectedHourly,
	}, nil
}

// ExecuteWithRateLimit runs fn only if Check allows it, reserving
// concurrency slots for the duration and recording the outcome in the
// circuit breaker and usage ledgers.
func (a *AdmissionController) ExecuteWithRateLimit(ctx context.Context, rc RequestContext, fn func(context.Context) error) error {
	now := time.Now()
	decision, err := a.check(now, rc)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return newRateLimited("admission", decision.Reason, decision.WaitTimeMs, decision.Fallback)
	}

	ok, reason := a.concurrency.tryAcquire(rc.ProjectID)
	if !ok {
		return newDenied("concurrency", reason, 30000, "queue for later")
	}
	metrics.ConcurrentRequests.Set(float64(a.concurrency.GlobalInFlight()))
	defer func() {
		a.concurrency.release(rc.ProjectID)
		metrics.ConcurrentRequests.Set(float64(a.concurrency.GlobalInFlight()))
	}()

	a.domainThrottle.admit(now, rc.Domain)
	a.projectThrottle.admit(now, rc.ProjectID)
	a.dailyCount.Increment(now)
	a.hourlyCount.Increment(now)
	cost := rc.cost(a.cfg.CostPerSnapshotUsd)
	a.dailyCost.Add(now, cost)
	a.hourlyCost.Add(now, cost)

	execErr := fn(ctx)

	completed := time.Now()
	a.circuit.recordResult(completed, execErr == nil)
	metrics.CircuitBreakerState.Set(circuitGauge(a.circuit.Snapshot(completed).Phase))

	return execErr
}

func circuitGauge(phase models.CircuitPhase) float64 {
	switch phase {
	case models.CircuitOpen:
		return 2
	case models.CircuitHalfOpen:
		return 1
	default:
		return 0
	}
}

// TriggerCircuitBreaker forces the breaker OPEN on operator request.
func (a *AdmissionController) TriggerCircuitBreaker(reason string) {
	a.circuit.ManualTrip(time.Now(), reason)
}

// ResetCircuitBreaker forces the breaker CLOSED with zeroed counters.
func (a *AdmissionController) ResetCircuitBreaker() {
	a.circuit.ManualReset()
}

// CircuitSnapshot reports the current circuit state for metrics/health.
func (a *AdmissionController) CircuitSnapshot() models.CircuitState {
	return a.circuit.Snapshot(time.Now())
}

// RunMaintenance performs background upkeep: evicting stale throttle
// entries so the maps don't grow unbounded.
// Intended to be called periodically (e.g. by HealthSupervisor or a
// ticker in cmd/orchestrator).
func (a *AdmissionController) RunMaintenance(maxThrottleAge time.Duration) (domainEvicted, projectEvicted int) {
	now := time.Now()
	return a.domainThrottle.cleanup(now, maxThrottleAge), a.projectThrottle.cleanup(now, maxThrottleAge)
}

// ActiveThrottleCount reports how many domain+project keys currently carry
// throttle state, used by HealthSupervisor's status report.
func (a *AdmissionController) ActiveThrottleCount() int {
	return a.domainThrottle.Len() + a.projectThrottle.Len()
}

// ClearThrottles drops all throttle state (CLEAR_CACHE remediation).
func (a *AdmissionController) ClearThrottles() {
	a.domainThrottle.Clear()
	a.projectThrottle.Clear()
}

// GlobalInFlight reports current global in-flight request count.
func (a *AdmissionController) GlobalInFlight() int {
	return a.concurrency.GlobalInFlight()
}

// SetMaxGlobalConcurrent adjusts the global concurrency ceiling in place,
// returning the previous value so the caller can restore it later. Backs
// HealthSupervisor's REDUCE_LOAD remediation.
func (a *AdmissionController) SetMaxGlobalConcurrent(n int) int {
	return a.concurrency.setMaxGlobal(n)
}

// MaxGlobalConcurrent reports the current global concurrency ceiling.
func (a *AdmissionController) MaxGlobalConcurrent() int {
	return a.concurrency.getMaxGlobal()
}

// HealthScore computes a coarse 0-100 health indicator for this component,
// combining circuit phase and the denial rate over all decisions since
// construction.
func (a *AdmissionController) HealthScore() int {
	allowed := atomic.LoadInt64(&a.totalAllowed)
	denied := atomic.LoadInt64(&a.totalDenied)
	total := allowed + denied

	score := 100
	switch a.circuit.Snapshot(time.Now()).Phase {
	case models.CircuitOpen:
		score -= 50
	case models.CircuitHalfOpen:
		score -= 20
	}
	if total > 0 {
		denialRate := float64(denied) / float64(total)
		score -= int(denialRate * 30)
	}
	if score < 0 {
		return 0
	}
	if score > 100 {
		return 100
	}
	return score
}
