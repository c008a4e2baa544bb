package admission

import (
	"sync"
	"time"

	"pulsecore/pkg/models"
)

// minTripWindow is the fewest observations required before the error rate
// can trip the breaker, so one isolated failure doesn't open the circuit.
const minTripWindow = 2

// circuitEvent is one outcome observation trimmed to the sliding window.
type circuitEvent struct {
	at      time.Time
	success bool
}

// circuitBreaker is a circuit breaker driven by the error rate over a
// sliding observation window.
type circuitBreaker struct {
	mu sync.Mutex

	cfg Config

	phase                models.CircuitPhase
	events               []circuitEvent
	halfOpenTestRequests int
	halfOpenSuccesses    int
	lastFailure          *time.Time
	nextRetry            *time.Time

	manualReason string
}

func newCircuitBreaker(cfg Config) *circuitBreaker {
	return &circuitBreaker{cfg: cfg, phase: models.CircuitClosed}
}

// trim drops events outside the sliding window. Caller must hold mu.
func (c *circuitBreaker) trim(now time.Time) {
	cutoff := now.Add(-c.cfg.CircuitWindow)
	i := 0
	for ; i < len(c.events); i++ {
		if c.events[i].at.After(cutoff) {
			break
		}
	}
	c.events = c.events[i:]
}

// beforeRequest applies the circuit-breaker gate.
// Returns (allow, waitMs, reason).
func (c *circuitBreaker) beforeRequest(now time.Time) (bool, int64, string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch c.phase {
	case models.CircuitOpen:
		if c.nextRetry != nil && now.Before(*c.nextRetry) {
			return false, c.nextRetry.Sub(now).Milliseconds(), "circuit breaker is open"
		}
		// Transition to half-open; a new request is about to probe it.
		c.phase = models.CircuitHalfOpen
		c.halfOpenTestRequests = 0
		c.halfOpenSuccesses = 0
		fallthrough
	case models.CircuitHalfOpen:
		if c.halfOpenTestRequests >= c.cfg.CircuitHalfOpenRequests {
			return false, 60000, "circuit breaker is open (half-open probe budget exhausted)"
		}
		c.halfOpenTestRequests++
		return true, 0, ""
	default:
		return true, 0, ""
	}
}

// recordResult applies the outcome to the sliding window and advances the
// state machine.
func (c *circuitBreaker) recordResult(now time.Time, success bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.events = append(c.events, circuitEvent{at: now, success: success})
	c.trim(now)

	switch c.phase {
	case models.CircuitClosed:
		if !success {
			c.lastFailure = &now
		}
		rate, windowSize := c.errorRateLocked(now)
		if windowSize >= minTripWindow && rate >= c.cfg.CircuitErrorThreshold {
			c.trip(now)
		}
	case models.CircuitHalfOpen:
		if !success {
			c.trip(now)
			return
		}
		c.halfOpenSuccesses++
		if c.halfOpenSuccesses >= c.cfg.CircuitHalfOpenRequests {
			c.close()
		}
	}
}

func (c *circuitBreaker) errorRateLocked(now time.Time) (float64, int) {
	if len(c.events) == 0 {
		return 0, 0
	}
	failures := 0
	for _, e := range c.events {
		if !e.success {
			failures++
		}
	}
	return float64(failures) / float64(len(c.events)), len(c.events)
}

func (c *circuitBreaker) trip(now time.Time) {
	c.phase = models.CircuitOpen
	next := now.Add(c.cfg.CircuitRecovery)
	c.nextRetry = &next
	c.halfOpenTestRequests = 0
	c.halfOpenSuccesses = 0
}

func (c *circuitBreaker) close() {
	c.phase = models.CircuitClosed
	c.events = nil
	c.halfOpenTestRequests = 0
	c.halfOpenSuccesses = 0
	c.nextRetry = nil
	c.manualReason = ""
}

// ManualTrip forces the circuit OPEN on operator request.
func (c *circuitBreaker) ManualTrip(now time.Time, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.trip(now)
	c.manualReason = reason
}

// ManualReset forces the circuit CLOSED with zeroed counters.
func (c *circuitBreaker) ManualReset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.close()
}

// Snapshot returns the current CircuitState for metrics and health checks.
func (c *circuitBreaker) Snapshot(now time.Time) models.CircuitState {
	c.mu.Lock()
	defer c.mu.Unlock()
	rate, windowSize := c.errorRateLocked(now)
	failures := 0
	for _, e := range c.events {
		if !e.success {
			failures++
		}
	}
	return models.CircuitState{
		Phase:                c.phase,
		ErrorCount:           failures,
		SuccessCount:         windowSize - failures,
		TotalRequests:        windowSize,
		ErrorRate:            rate,
		LastFailure:          c.lastFailure,
		NextRetry:            c.nextRetry,
		HalfOpenTestRequests: c.halfOpenTestRequests,
	}
}
