package admission

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
)

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxGlobalConcurrent = 2
	cfg.MaxConcurrentPerProject = 1
	cfg.PerDomainThrottle = 50 * time.Millisecond
	cfg.PerProjectThrottle = 50 * time.Millisecond
	cfg.DailySnapshotLimit = 5
	cfg.HourlySnapshotLimit = 3
	cfg.CircuitErrorThreshold = 0.5
	cfg.CircuitWindow = time.Second
	cfg.CircuitRecovery = 100 * time.Millisecond
	cfg.CircuitHalfOpenRequests = 2
	cfg.MaxHourlyCostUsd = 1.0
	cfg.MaxDailyCostUsd = 2.0
	cfg.CostPerSnapshotUsd = 0.5
	return cfg
}

func rc(project, domain string) RequestContext {
	return RequestContext{ProjectID: project, Domain: domain, Priority: PriorityNormal, Source: SourceTest, RequestID: "r1"}
}

func TestCheck_AllowsByDefault(t *testing.T) {
	a := NewAdmissionController(testConfig())
	d, err := a.Check(context.Background(), rc("p1", "example.com"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !d.Allowed {
		t.Fatalf("expected allow, got deny: %s", d.Reason)
	}
}

func TestExecuteWithRateLimit_DomainThrottleBlocksSecondCall(t *testing.T) {
	a := NewAdmissionController(testConfig())
	run := func(ctx context.Context) error { return nil }

	if err := a.ExecuteWithRateLimit(context.Background(), rc("p1", "example.com"), run); err != nil {
		t.Fatalf("first call should be admitted: %v", err)
	}
	err := a.ExecuteWithRateLimit(context.Background(), rc("p1", "example.com"), run)
	if err == nil {
		t.Fatalf("expected second call within throttle window to be denied")
	}
}

func TestExecuteWithRateLimit_HourlyCostCeiling(t *testing.T) {
	cfg := testConfig()
	cfg.PerDomainThrottle = 0
	cfg.PerProjectThrottle = 0
	cfg.MaxHourlyCostUsd = 0.9
	cfg.CostPerSnapshotUsd = 0.5
	a := NewAdmissionController(cfg)
	run := func(ctx context.Context) error { return nil }

	if err := a.ExecuteWithRateLimit(context.Background(), rc("p1", "a.com"), run); err != nil {
		t.Fatalf("first call should fit under hourly ceiling: %v", err)
	}
	err := a.ExecuteWithRateLimit(context.Background(), rc("p1", "b.com"), run)
	if err == nil {
		t.Fatalf("expected second call to exceed hourly cost ceiling")
	}
}

func TestExecuteWithRateLimit_ConcurrencyReleasedOnFailure(t *testing.T) {
	cfg := testConfig()
	cfg.PerDomainThrottle = 0
	cfg.PerProjectThrottle = 0
	a := NewAdmissionController(cfg)

	failing := func(ctx context.Context) error { return errors.New("boom") }
	err := a.ExecuteWithRateLimit(context.Background(), rc("p1", "a.com"), failing)
	if err == nil {
		t.Fatalf("expected propagated failure")
	}
	if got := a.GlobalInFlight(); got != 0 {
		t.Fatalf("expected concurrency slot released after failure, got %d in flight", got)
	}
}

func TestCircuitBreaker_TripsOnErrorRateAndRecovers(t *testing.T) {
	cfg := testConfig()
	cfg.PerDomainThrottle = 0
	cfg.PerProjectThrottle = 0
	cfg.DailySnapshotLimit = 1000
	cfg.HourlySnapshotLimit = 1000
	cfg.MaxHourlyCostUsd = 1000
	cfg.MaxDailyCostUsd = 1000
	a := NewAdmissionController(cfg)

	failing := func(ctx context.Context) error { return errors.New("boom") }
	for i := 0; i < 2; i++ {
		_ = a.ExecuteWithRateLimit(context.Background(), rc("p1", "a.com"), failing)
	}

	d, _ := a.Check(context.Background(), rc("p1", "a.com"))
	if d.Allowed {
		t.Fatalf("expected circuit to be open after repeated failures")
	}

	time.Sleep(cfg.CircuitRecovery + 20*time.Millisecond)

	d2, _ := a.Check(context.Background(), rc("p1", "a.com"))
	if !d2.Allowed {
		t.Fatalf("expected circuit to allow a half-open probe after recovery window: %s", d2.Reason)
	}
}

func TestCheck_HourlyCostDenialNamesTheLimit(t *testing.T) {
	cfg := testConfig()
	cfg.PerDomainThrottle = 0
	cfg.PerProjectThrottle = 0
	cfg.MaxHourlyCostUsd = 2.0
	cfg.MaxDailyCostUsd = 1000
	a := NewAdmissionController(cfg)

	// Preload hourly spend close to the ceiling.
	a.hourlyCost.Add(time.Now(), 1.95)

	est := 0.2
	d, err := a.Check(context.Background(), RequestContext{
		ProjectID: "p1", Domain: "a.com", Priority: PriorityNormal,
		Source: SourceTest, EstimatedCostUsd: &est, RequestID: "r1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if d.Allowed {
		t.Fatalf("expected deny over hourly cost ceiling")
	}
	if !strings.Contains(strings.ToLower(d.Reason), "hourly cost limit") {
		t.Fatalf("expected reason to name the hourly cost limit, got %q", d.Reason)
	}
	// Check must not record the cost of a denied request.
	if got := a.hourlyCost.Peek(time.Now()); got != 1.95 {
		t.Fatalf("expected no cost recorded on denial, ledger at %v", got)
	}
}

func TestCheck_DailyCostDenialSuggestsTomorrow(t *testing.T) {
	cfg := testConfig()
	cfg.PerDomainThrottle = 0
	cfg.PerProjectThrottle = 0
	cfg.MaxHourlyCostUsd = 1000
	cfg.MaxDailyCostUsd = 1.0
	a := NewAdmissionController(cfg)
	a.dailyCost.Add(time.Now(), 0.9)

	est := 0.2
	d, _ := a.Check(context.Background(), RequestContext{
		ProjectID: "p1", Domain: "a.com", Priority: PriorityNormal,
		Source: SourceTest, EstimatedCostUsd: &est, RequestID: "r1",
	})
	if d.Allowed {
		t.Fatalf("expected deny over daily cost ceiling")
	}
	if d.Fallback != "tomorrow" {
		t.Fatalf("expected fallback %q, got %q", "tomorrow", d.Fallback)
	}
}

func TestCheck_HourlyQuotaDenialWaitsForRollover(t *testing.T) {
	cfg := testConfig()
	cfg.PerDomainThrottle = 0
	cfg.PerProjectThrottle = 0
	cfg.HourlySnapshotLimit = 1
	cfg.MaxHourlyCostUsd = 1000
	cfg.MaxDailyCostUsd = 1000
	a := NewAdmissionController(cfg)

	run := func(ctx context.Context) error { return nil }
	if err := a.ExecuteWithRateLimit(context.Background(), rc("p1", "a.com"), run); err != nil {
		t.Fatalf("first call should be admitted: %v", err)
	}

	d, _ := a.Check(context.Background(), rc("p2", "b.com"))
	if d.Allowed {
		t.Fatalf("expected deny once hourly quota is exhausted")
	}
	if d.WaitTimeMs <= 0 || d.WaitTimeMs > time.Hour.Milliseconds() {
		t.Fatalf("expected wait time until top of next hour, got %dms", d.WaitTimeMs)
	}
}

func TestCircuitBreaker_ManualTripAndResetAreIdempotent(t *testing.T) {
	a := NewAdmissionController(testConfig())

	a.TriggerCircuitBreaker("known bad upstream")
	a.TriggerCircuitBreaker("known bad upstream")
	snap := a.CircuitSnapshot()
	if snap.Phase != "OPEN" || snap.NextRetry == nil {
		t.Fatalf("expected OPEN with a single active retry window, got %+v", snap)
	}

	a.ResetCircuitBreaker()
	a.ResetCircuitBreaker()
	snap = a.CircuitSnapshot()
	if snap.Phase != "CLOSED" {
		t.Fatalf("expected CLOSED after reset, got %s", snap.Phase)
	}
	if snap.ErrorCount != 0 || snap.SuccessCount != 0 || snap.TotalRequests != 0 {
		t.Fatalf("expected zeroed counters after reset, got %+v", snap)
	}
}

func TestCircuitBreaker_HalfOpenClosesAfterConsecutiveSuccesses(t *testing.T) {
	cfg := testConfig()
	cfg.PerDomainThrottle = 0
	cfg.PerProjectThrottle = 0
	cfg.DailySnapshotLimit = 1000
	cfg.HourlySnapshotLimit = 1000
	cfg.MaxHourlyCostUsd = 1000
	cfg.MaxDailyCostUsd = 1000
	cfg.CircuitRecovery = 20 * time.Millisecond
	cfg.CircuitHalfOpenRequests = 2
	a := NewAdmissionController(cfg)

	failing := func(ctx context.Context) error { return errors.New("boom") }
	for i := 0; i < 3; i++ {
		_ = a.ExecuteWithRateLimit(context.Background(), rc("p1", "a.com"), failing)
	}
	if a.CircuitSnapshot().Phase != "OPEN" {
		t.Fatalf("expected circuit OPEN after repeated failures, got %s", a.CircuitSnapshot().Phase)
	}

	time.Sleep(cfg.CircuitRecovery + 10*time.Millisecond)

	ok := func(ctx context.Context) error { return nil }
	for i := 0; i < cfg.CircuitHalfOpenRequests; i++ {
		if err := a.ExecuteWithRateLimit(context.Background(), rc("p1", "a.com"), ok); err != nil {
			t.Fatalf("expected half-open probe %d to be admitted: %v", i, err)
		}
	}
	if got := a.CircuitSnapshot().Phase; got != "CLOSED" {
		t.Fatalf("expected circuit CLOSED after %d half-open successes, got %s", cfg.CircuitHalfOpenRequests, got)
	}
}

func TestCircuitBreaker_HalfOpenReopensOnFailure(t *testing.T) {
	cfg := testConfig()
	cfg.PerDomainThrottle = 0
	cfg.PerProjectThrottle = 0
	cfg.DailySnapshotLimit = 1000
	cfg.HourlySnapshotLimit = 1000
	cfg.MaxHourlyCostUsd = 1000
	cfg.MaxDailyCostUsd = 1000
	cfg.CircuitRecovery = 20 * time.Millisecond
	a := NewAdmissionController(cfg)

	failing := func(ctx context.Context) error { return errors.New("boom") }
	for i := 0; i < 3; i++ {
		_ = a.ExecuteWithRateLimit(context.Background(), rc("p1", "a.com"), failing)
	}
	time.Sleep(cfg.CircuitRecovery + 10*time.Millisecond)

	_ = a.ExecuteWithRateLimit(context.Background(), rc("p1", "a.com"), failing)
	snap := a.CircuitSnapshot()
	if snap.Phase != "OPEN" {
		t.Fatalf("expected circuit back OPEN after half-open failure, got %s", snap.Phase)
	}
	if snap.NextRetry == nil || !snap.NextRetry.After(time.Now()) {
		t.Fatalf("expected a fresh retry window, got %+v", snap.NextRetry)
	}
}

func TestThrottleTable_CleanupEvictsStaleEntries(t *testing.T) {
	tbl := newThrottleTable(10 * time.Millisecond)
	now := time.Now()
	tbl.admit(now, "example.com")
	evicted := tbl.cleanup(now.Add(time.Hour), time.Minute)
	if evicted != 1 {
		t.Fatalf("expected 1 evicted entry, got %d", evicted)
	}
	if tbl.Len() != 0 {
		t.Fatalf("expected empty table after cleanup, got %d", tbl.Len())
	}
}

func TestConcurrencyGate_PerProjectCeiling(t *testing.T) {
	g := newConcurrencyGate(10, 1)
	ok, _ := g.tryAcquire("p1")
	if !ok {
		t.Fatalf("expected first acquire to succeed")
	}
	ok, reason := g.tryAcquire("p1")
	if ok {
		t.Fatalf("expected second acquire for same project to be denied")
	}
	if reason == "" {
		t.Fatalf("expected a denial reason")
	}
	g.release("p1")
	ok, _ = g.tryAcquire("p1")
	if !ok {
		t.Fatalf("expected acquire to succeed after release")
	}
}
