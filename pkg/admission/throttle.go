package admission

import (
	"sync"
	"time"

	"pulsecore/pkg/models"
)

// throttleTable tracks per-key (domain or project) minimum admit
// spacing in a last-admit/next-allowed shape.
type throttleTable struct {
	mu      sync.Mutex
	spacing time.Duration
	entries map[string]*models.ThrottleEntry
}

func newThrottleTable(spacing time.Duration) *throttleTable {
	return &throttleTable{
		spacing: spacing,
		entries: make(map[string]*models.ThrottleEntry),
	}
}

// check reports whether key is currently throttled, and if so for how long.
func (t *throttleTable) check(now time.Time, key string) (allowed bool, waitMs int64) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		return true, 0
	}
	if now.Before(entry.NextAllowedTime) {
		return false, entry.NextAllowedTime.Sub(now).Milliseconds()
	}
	return true, 0
}

// admit records that key has just been admitted, arming the next spacing
// window.
func (t *throttleTable) admit(now time.Time, key string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	entry, ok := t.entries[key]
	if !ok {
		entry = &models.ThrottleEntry{Key: key}
		t.entries[key] = entry
	}
	entry.LastRequestTime = now
	entry.NextAllowedTime = now.Add(t.spacing)
	entry.RequestCount++
	entry.Throttled = false
}

// cleanup evicts entries whose spacing window has long since passed so
// the map doesn't grow unbounded.
func (t *throttleTable) cleanup(now time.Time, maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	evicted := 0
	cutoff := now.Add(-maxAge)
	for key, entry := range t.entries {
		if entry.LastRequestTime.Before(cutoff) {
			delete(t.entries, key)
			evicted++
		}
	}
	return evicted
}

// Len reports the number of tracked keys, used by HealthSupervisor to
// report active-throttle counts.
func (t *throttleTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Clear removes all entries (CLEAR_CACHE remediation).
func (t *throttleTable) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries = make(map[string]*models.ThrottleEntry)
}
