package dispatcher

import (
	"time"

	"github.com/agentoven/agentoven/dispatch-plane/pkg/models"
)

// breaker is the circuit state for one (tenant, tool) key. Callers hold the
// owning keyState mutex for every method.
type breaker struct {
	state               models.BreakerState
	consecutiveFailures int
	openUntil           time.Time
	probesInFlight      int
	// generation increments on every OPEN to HALF_OPEN move. Half-open slots
	// from an older generation no longer count.
	generation uint64
}

// ticket records how a call was admitted.
type ticket struct {
	halfOpen   bool
	generation uint64
}

// admit gates a call. It moves OPEN to HALF_OPEN once openUntil has passed
// and reserves a probe slot when half-open. A non-empty kind means rejected.
func (b *breaker) admit(cfg models.BreakerConfig, now time.Time) (ticket, models.ErrorKind) {
	if !cfg.Enabled {
		return ticket{}, ""
	}
	if b.state == models.BreakerOpen {
		if now.Before(b.openUntil) {
			return ticket{}, models.ErrCircuitOpen
		}
		b.state = models.BreakerHalfOpen
		b.probesInFlight = 0
		b.generation++
	}
	if b.state == models.BreakerHalfOpen {
		limit := cfg.HalfOpenMaxProbes
		if limit < 1 {
			limit = 1
		}
		if b.probesInFlight >= limit {
			return ticket{}, models.ErrCircuitHalfOpenLimited
		}
		b.probesInFlight++
		return ticket{halfOpen: true, generation: b.generation}, ""
	}
	return ticket{}, ""
}

// owns reports whether t holds a slot of the current recovery window.
func (b *breaker) owns(t ticket) bool {
	return t.halfOpen && t.generation == b.generation
}

// settled reports whether an outcome of t may change the state. Once the
// breaker has left CLOSED only calls of the current window decide what
// happens next.
func (b *breaker) settled(t ticket) bool {
	return b.current() == models.BreakerClosed || b.owns(t)
}

func (b *breaker) onSuccess(t ticket) {
	if !b.settled(t) {
		return
	}
	b.state = models.BreakerClosed
	b.consecutiveFailures = 0
	b.openUntil = time.Time{}
}

// onTransientFailure counts the failure and trips the breaker when the
// threshold is reached. A failed half-open probe re-opens immediately.
func (b *breaker) onTransientFailure(cfg models.BreakerConfig, now time.Time, t ticket) {
	if !cfg.Enabled || !b.settled(t) {
		return
	}
	b.consecutiveFailures++
	threshold := cfg.FailureThreshold
	if threshold < 1 {
		threshold = 1
	}
	if b.state == models.BreakerHalfOpen || b.consecutiveFailures >= threshold {
		b.state = models.BreakerOpen
		b.openUntil = now.Add(time.Duration(cfg.ResetTimeoutMs) * time.Millisecond)
	}
}

// release frees the half-open slot held by t. Slots from an older generation
// were already dropped when the new window opened.
func (b *breaker) release(t ticket) {
	if b.owns(t) && b.probesInFlight > 0 {
		b.probesInFlight--
	}
}

func (b *breaker) current() models.BreakerState {
	if b.state == "" {
		return models.BreakerClosed
	}
	return b.state
}

// idle reports whether the breaker carries no information worth keeping.
func (b *breaker) idle() bool {
	return b.current() == models.BreakerClosed && b.consecutiveFailures == 0 && b.probesInFlight == 0
}

// BreakerSnapshot is a read-only copy of a breaker's state.
type BreakerSnapshot struct {
	State               models.BreakerState `json:"state"`
	ConsecutiveFailures int                 `json:"consecutive_failures"`
	OpenUntil           time.Time           `json:"open_until,omitempty"`
	ProbesInFlight      int                 `json:"probes_in_flight"`
}
