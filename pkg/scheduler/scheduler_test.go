package scheduler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"

	"pulsecore/pkg/admission"
	"pulsecore/pkg/freshness"
	"pulsecore/pkg/models"
	"pulsecore/pkg/scrape"
	"pulsecore/pkg/store"
)

type fakeTargetStore struct {
	targets []models.Target
}

func (f *fakeTargetStore) List(ctx context.Context, projectID uuid.UUID) ([]models.Target, error) {
	return f.targets, nil
}

func (f *fakeTargetStore) FindByURL(ctx context.Context, url string) (*models.Target, error) {
	return nil, store.ErrNotFound
}

type fakeSnapshotStore struct {
	latest  map[uuid.UUID]models.Snapshot
	created []models.Snapshot
}

func (f *fakeSnapshotStore) Create(ctx context.Context, snapshot *models.Snapshot) error {
	if snapshot.ID == uuid.Nil {
		snapshot.ID = uuid.New()
	}
	f.created = append(f.created, *snapshot)
	return nil
}

func (f *fakeSnapshotStore) LatestByTarget(ctx context.Context, targetID uuid.UUID) (*models.Snapshot, error) {
	snap, ok := f.latest[targetID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &snap, nil
}

func (f *fakeSnapshotStore) ListByTarget(ctx context.Context, targetID uuid.UUID, limit int) ([]models.Snapshot, error) {
	return nil, nil
}

func (f *fakeSnapshotStore) DeleteOlderThan(ctx context.Context, targetID uuid.UUID, keepN int) (int64, error) {
	return 0, nil
}

type fakeDriver struct {
	snapshot scrape.WebsiteSnapshot
	err      error
	calls    int
}

func (f *fakeDriver) TakeSnapshot(ctx context.Context, url string, opts scrape.Options) (scrape.WebsiteSnapshot, error) {
	f.calls++
	if f.err != nil {
		return scrape.WebsiteSnapshot{}, f.err
	}
	return f.snapshot, nil
}

func testScheduler(target models.Target, driver scrape.Driver, snaps *fakeSnapshotStore) *Scheduler {
	cfg := DefaultConfig()
	cfg.TaskExecutionDelayMs = 1
	cfg.BackoffBaseMs = 1

	ac := admission.NewAdmissionController(admission.DefaultConfig())
	targets := &fakeTargetStore{targets: []models.Target{target}}
	evaluator := freshness.New(freshness.DefaultConfig(), targets, snaps)

	return New(cfg, ac, evaluator, driver, snaps, nil)
}

func TestCheckAndTrigger_PersistsSnapshotOnSuccess(t *testing.T) {
	target := models.Target{ID: uuid.New(), Kind: models.TargetProduct, URL: "https://example.com/product"}
	snaps := &fakeSnapshotStore{latest: map[uuid.UUID]models.Snapshot{}}
	driver := &fakeDriver{snapshot: scrape.WebsiteSnapshot{
		Title:      "Example",
		HTML:       "<html>" + stringsRepeat("x", 200) + "</html>",
		Text:       "enough text content here",
		StatusCode: 200,
	}}

	s := testScheduler(target, driver, snaps)
	result, err := s.CheckAndTrigger(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Triggered || result.TasksExecuted != 1 {
		t.Fatalf("expected 1 task executed, got %+v", result)
	}
	if !result.Results[0].Success {
		t.Fatalf("expected success, got %+v", result.Results[0])
	}
	if len(snaps.created) != 1 {
		t.Fatalf("expected 1 snapshot persisted, got %d", len(snaps.created))
	}
}

func TestCheckAndTrigger_NoWorkItemsReturnsNotTriggered(t *testing.T) {
	target := models.Target{ID: uuid.New(), Kind: models.TargetProduct, URL: "https://example.com/product"}
	snaps := &fakeSnapshotStore{latest: map[uuid.UUID]models.Snapshot{
		target.ID: {CapturedAt: time.Now()},
	}}
	driver := &fakeDriver{}

	s := testScheduler(target, driver, snaps)
	result, err := s.CheckAndTrigger(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Triggered {
		t.Fatalf("expected no trigger for fresh target, got %+v", result)
	}
}

func TestScrapeWithRetry_InsufficientContentExhaustsRetries(t *testing.T) {
	target := models.Target{ID: uuid.New(), Kind: models.TargetProduct, URL: "https://example.com/thin"}
	snaps := &fakeSnapshotStore{latest: map[uuid.UUID]models.Snapshot{}}
	driver := &fakeDriver{snapshot: scrape.WebsiteSnapshot{HTML: "short", StatusCode: 200}}

	s := testScheduler(target, driver, snaps)
	s.cfg.MaxRetries = 1
	_, err := s.scrapeWithRetry(context.Background(), target.URL, 1, "corr-1")
	if err == nil {
		t.Fatalf("expected scraping failure for undersized content")
	}
	if driver.calls != 2 {
		t.Fatalf("expected 2 attempts (1 retry), got %d", driver.calls)
	}
}

// multiTargetScheduler builds a scheduler over several targets with
// throttles disabled so a whole batch can dispatch back-to-back.
func multiTargetScheduler(targets []models.Target, driver scrape.Driver, snaps *fakeSnapshotStore) *Scheduler {
	cfg := DefaultConfig()
	cfg.TaskExecutionDelayMs = 1
	cfg.BackoffBaseMs = 1
	cfg.MaxRetries = 0

	acCfg := admission.DefaultConfig()
	acCfg.PerDomainThrottle = 0
	acCfg.PerProjectThrottle = 0
	ac := admission.NewAdmissionController(acCfg)
	ts := &fakeTargetStore{targets: targets}
	evaluator := freshness.New(freshness.DefaultConfig(), ts, snaps)

	return New(cfg, ac, evaluator, driver, snaps, nil)
}

func TestCheckAndTrigger_ColdProjectScrapesEveryTarget(t *testing.T) {
	targets := []models.Target{
		{ID: uuid.New(), Kind: models.TargetProduct, URL: "https://example.com/p"},
		{ID: uuid.New(), Kind: models.TargetCompetitor, URL: "https://a.com"},
		{ID: uuid.New(), Kind: models.TargetCompetitor, URL: "https://b.com"},
	}
	snaps := &fakeSnapshotStore{latest: map[uuid.UUID]models.Snapshot{}}
	driver := &fakeDriver{snapshot: scrape.WebsiteSnapshot{
		Title:      "Example",
		HTML:       "<html>" + stringsRepeat("x", 200) + "</html>",
		Text:       "enough text content here",
		StatusCode: 200,
	}}

	s := multiTargetScheduler(targets, driver, snaps)
	result, err := s.CheckAndTrigger(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.TasksExecuted != 3 || len(result.Results) != 3 {
		t.Fatalf("expected 3 tasks for a cold project, got %+v", result)
	}
	for i, outcome := range result.Results {
		if !outcome.Success {
			t.Fatalf("expected task %d to succeed, got %+v", i, outcome)
		}
		if outcome.CorrelationID == "" {
			t.Fatalf("expected correlation ID on task %d", i)
		}
		if outcome.SnapshotID == nil {
			t.Fatalf("expected snapshot ID on task %d", i)
		}
	}
	if len(snaps.created) != 3 {
		t.Fatalf("expected 3 snapshots persisted, got %d", len(snaps.created))
	}
	if got := s.admission.GlobalInFlight(); got != 0 {
		t.Fatalf("expected zero in-flight at batch end, got %d", got)
	}
}

type flakyDriver struct {
	good  scrape.WebsiteSnapshot
	calls int
}

// TakeSnapshot fails the first target's fetch and succeeds afterwards.
func (f *flakyDriver) TakeSnapshot(ctx context.Context, url string, opts scrape.Options) (scrape.WebsiteSnapshot, error) {
	f.calls++
	if f.calls == 1 {
		return scrape.WebsiteSnapshot{}, scrape.ErrNetworkTimeout
	}
	return f.good, nil
}

func TestCheckAndTrigger_FailureDoesNotAbortBatch(t *testing.T) {
	targets := []models.Target{
		{ID: uuid.New(), Kind: models.TargetProduct, URL: "https://example.com/p"},
		{ID: uuid.New(), Kind: models.TargetCompetitor, URL: "https://a.com"},
	}
	snaps := &fakeSnapshotStore{latest: map[uuid.UUID]models.Snapshot{}}
	driver := &flakyDriver{good: scrape.WebsiteSnapshot{
		Title:      "Example",
		HTML:       "<html>" + stringsRepeat("x", 200) + "</html>",
		Text:       "enough text content here",
		StatusCode: 200,
	}}

	s := multiTargetScheduler(targets, driver, snaps)
	result, err := s.CheckAndTrigger(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(result.Results) != 2 {
		t.Fatalf("expected both items attempted, got %d results", len(result.Results))
	}
	if result.Results[0].Success {
		t.Fatalf("expected first item to fail, got %+v", result.Results[0])
	}
	if !result.Results[1].Success {
		t.Fatalf("expected second item to succeed after first failed, got %+v", result.Results[1])
	}
}

func TestCheckAndTrigger_CircuitOpenDeniesCleanly(t *testing.T) {
	targets := []models.Target{
		{ID: uuid.New(), Kind: models.TargetProduct, URL: "https://example.com/p"},
		{ID: uuid.New(), Kind: models.TargetCompetitor, URL: "https://a.com"},
	}
	snaps := &fakeSnapshotStore{latest: map[uuid.UUID]models.Snapshot{}}
	driver := &fakeDriver{snapshot: scrape.WebsiteSnapshot{
		Title: "t", HTML: stringsRepeat("x", 200), Text: "t", StatusCode: 200,
	}}

	s := multiTargetScheduler(targets, driver, snaps)
	s.admission.TriggerCircuitBreaker("test trip")

	result, err := s.CheckAndTrigger(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("expected the batch itself to return normally, got %v", err)
	}
	if len(result.Results) != 2 {
		t.Fatalf("expected both items attempted, got %d", len(result.Results))
	}
	for i, outcome := range result.Results {
		if outcome.Success {
			t.Fatalf("expected item %d denied with circuit open, got %+v", i, outcome)
		}
		if !strings.Contains(strings.ToLower(outcome.Error), "circuit breaker is open") {
			t.Fatalf("expected circuit-open reason on item %d, got %q", i, outcome.Error)
		}
	}
	if len(snaps.created) != 0 {
		t.Fatalf("expected no snapshots persisted under an open circuit, got %d", len(snaps.created))
	}
}

type fakeArchive struct {
	stored map[string][2][]byte
}

func (f *fakeArchive) Store(ctx context.Context, snapshotID string, html, text []byte) (string, error) {
	if f.stored == nil {
		f.stored = make(map[string][2][]byte)
	}
	f.stored[snapshotID] = [2][]byte{html, text}
	return "archive://" + snapshotID, nil
}

func (f *fakeArchive) RetrieveHTML(ctx context.Context, ref string) ([]byte, error) {
	return nil, nil
}

func (f *fakeArchive) RetrieveText(ctx context.Context, ref string) ([]byte, error) {
	return nil, nil
}

func TestRunOne_OffloadsLargeBodyToArchive(t *testing.T) {
	target := models.Target{ID: uuid.New(), Kind: models.TargetProduct, URL: "https://example.com/product"}
	snaps := &fakeSnapshotStore{latest: map[uuid.UUID]models.Snapshot{}}
	driver := &fakeDriver{snapshot: scrape.WebsiteSnapshot{
		Title:      "Example",
		HTML:       "<html>" + stringsRepeat("x", archiveThresholdBytes) + "</html>",
		Text:       "enough text content here",
		StatusCode: 200,
	}}

	s := testScheduler(target, driver, snaps)
	archive := &fakeArchive{}
	s.archive = archive

	result, err := s.CheckAndTrigger(context.Background(), uuid.New())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Results[0].Success {
		t.Fatalf("expected success, got %+v", result.Results[0])
	}
	if len(snaps.created) != 1 {
		t.Fatalf("expected 1 snapshot persisted, got %d", len(snaps.created))
	}
	persisted := snaps.created[0]
	if persisted.ContentRef == "" {
		t.Fatalf("expected ContentRef set for offloaded body")
	}
	if persisted.HTML != "" || persisted.Text != "" {
		t.Fatalf("expected HTML/Text cleared after archiving, got html=%d text=%d", len(persisted.HTML), len(persisted.Text))
	}
	if len(archive.stored) != 1 {
		t.Fatalf("expected 1 body archived, got %d", len(archive.stored))
	}
}

func stringsRepeat(s string, n int) string {
	out := make([]byte, 0, len(s)*n)
	for i := 0; i < n; i++ {
		out = append(out, s...)
	}
	return string(out)
}
