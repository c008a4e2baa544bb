package admission

import "fmt"

// DeniedError describes an admission refusal. Check reports the refusing
// gate's reason in Decision.Reason; ExecuteWithRateLimit returns a bare
// DeniedError (Gate "concurrency") only when no concurrency slot can be
// reserved after Check allowed the request.
type DeniedError struct {
	Gate     string
	Reason   string
	WaitMs   int64
	Fallback string
}

func (e *DeniedError) Error() string {
	if e.WaitMs > 0 {
		return fmt.Sprintf("admission denied at %s gate: %s (retry in %dms)", e.Gate, e.Reason, e.WaitMs)
	}
	return fmt.Sprintf("admission denied at %s gate: %s", e.Gate, e.Reason)
}

// RateLimitExceededError wraps the DeniedError that ExecuteWithRateLimit
// returns for every request Check refuses, whichever of the six gates
// refused it; Gate is then "admission" and Reason carries Check's reason.
type RateLimitExceededError struct {
	*DeniedError
}

// Unwrap lets errors.As/errors.Is reach the embedded DeniedError.
func (e *RateLimitExceededError) Unwrap() error { return e.DeniedError }

func newDenied(gate, reason string, waitMs int64, fallback string) error {
	return &DeniedError{Gate: gate, Reason: reason, WaitMs: waitMs, Fallback: fallback}
}

func newRateLimited(gate, reason string, waitMs int64, fallback string) error {
	return &RateLimitExceededError{DeniedError: &DeniedError{Gate: gate, Reason: reason, WaitMs: waitMs, Fallback: fallback}}
}
