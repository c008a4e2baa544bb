package admission

import "sync"

// concurrencyGate tracks global and per-project in-flight counts, backing
// the final admission gate: a two-level limiter with both a global
// ceiling and a per-project ceiling.
type concurrencyGate struct {
	mu sync.Mutex

	maxGlobal     int
	maxPerProject int

	global     int
	perProject map[string]int
}

func newConcurrencyGate(maxGlobal, maxPerProject int) *concurrencyGate {
	return &concurrencyGate{
		maxGlobal:     maxGlobal,
		maxPerProject: maxPerProject,
		perProject:    make(map[string]int),
	}
}

// tryAcquire attempts to reserve one global and one per-project slot.
// Reports the reason the slowest gate denied, if any.
func (g *concurrencyGate) tryAcquire(projectID string) (bool, string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.global >= g.maxGlobal {
		return false, "global concurrency limit reached"
	}
	if g.perProject[projectID] >= g.maxPerProject {
		return false, "project concurrency limit reached"
	}
	g.global++
	g.perProject[projectID]++
	return true, ""
}

// release gives back the slots acquired by a matching tryAcquire. Safe to
// call even if tryAcquire never succeeded for this projectID (no-op floor
// at zero), so callers may unconditionally release in a defer.
func (g *concurrencyGate) release(projectID string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.global > 0 {
		g.global--
	}
	if g.perProject[projectID] > 0 {
		g.perProject[projectID]--
		if g.perProject[projectID] == 0 {
			delete(g.perProject, projectID)
		}
	}
}

// GlobalInFlight reports current global in-flight count, for health/metrics.
func (g *concurrencyGate) GlobalInFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.global
}

// setMaxGlobal adjusts the global ceiling in place, returning the previous
// value. Used by HealthSupervisor's REDUCE_LOAD remediation.
func (g *concurrencyGate) setMaxGlobal(n int) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	prev := g.maxGlobal
	g.maxGlobal = n
	return prev
}

func (g *concurrencyGate) getMaxGlobal() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.maxGlobal
}

// ProjectInFlight reports the in-flight count for a single project.
func (g *concurrencyGate) ProjectInFlight(projectID string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.perProject[projectID]
}
