package workflow

import "time"

// Circuit breaker bounds for child-agent calls within one orchestration.
const (
	// breakerThreshold is the number of consecutive failures that opens a
	// child's circuit.
	breakerThreshold = 3

	// breakerRecovery is how long an open circuit rejects calls before
	// admitting a half-open probe.
	breakerRecovery = 60 * time.Second
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

type (
	// breaker tracks per-child failure state for one orchestration. State
	// is workflow-local: it lives and dies with the run, and the workflow
	// body is single-threaded between await points, so no lock guards the
	// map. Time always comes from the caller so replays observe the same
	// clock.
	breaker struct {
		threshold int
		recovery  time.Duration
		entries   map[string]*breakerEntry
	}

	breakerEntry struct {
		state     breakerState
		failures  int
		openSince time.Time
		// probing marks that the half-open trial call is in flight;
		// further calls are rejected until it resolves.
		probing bool
	}
)

func newBreaker() *breaker {
	return &breaker{
		threshold: breakerThreshold,
		recovery:  breakerRecovery,
		entries:   make(map[string]*breakerEntry),
	}
}

// allow reports whether a call to child may start at now. An open entry
// whose recovery window has elapsed moves to half-open and admits exactly
// one probe; the probe's outcome decides between closed and open again.
func (b *breaker) allow(child string, now time.Time) bool {
	e := b.entry(child)
	if e.state == stateOpen {
		if now.Sub(e.openSince) <= b.recovery {
			return false
		}
		e.state = stateHalfOpen
		e.failures = b.threshold - 1
		e.probing = false
	}
	if e.state == stateHalfOpen {
		if e.probing {
			return false
		}
		e.probing = true
		return true
	}
	return true
}

// success records a completed call and closes the entry.
func (b *breaker) success(child string) {
	e := b.entry(child)
	e.state = stateClosed
	e.failures = 0
	e.probing = false
}

// failure records a failed call, opening the entry once the consecutive
// count reaches the threshold. A failed half-open probe reopens with a
// fresh recovery window.
func (b *breaker) failure(child string, now time.Time) {
	e := b.entry(child)
	e.probing = false
	e.failures++
	if e.failures >= b.threshold {
		e.state = stateOpen
		e.openSince = now
	}
}

// open reports whether the child's circuit currently rejects calls at now.
func (b *breaker) open(child string, now time.Time) bool {
	e, ok := b.entries[child]
	if !ok {
		return false
	}
	return e.state == stateOpen && now.Sub(e.openSince) <= b.recovery
}

func (b *breaker) entry(child string) *breakerEntry {
	e, ok := b.entries[child]
	if !ok {
		e = &breakerEntry{}
		b.entries[child] = e
	}
	return e
}
