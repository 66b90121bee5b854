// Package governor enforces per-destination courtesy limits: a concurrency
// ceiling and a minimum spacing between dispatches.
package governor

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Admission is the verdict for one dispatch attempt. When OK is false,
// RetryAfter tells the caller how long to wait before probing again.
type Admission struct {
	OK         bool
	RetryAfter time.Duration
}

// Config parameterizes a Governor.
type Config struct {
	// MaxInFlight caps concurrent dispatches per destination.
	MaxInFlight int
	// Cooldown is the minimum spacing between dispatches to one destination.
	// Zero disables spacing.
	Cooldown time.Duration
	// CapRetry is the denial backoff when the concurrency cap (not the
	// cooldown) is the binding constraint; the wait is indeterminate since it
	// depends on an in-flight task finishing.
	CapRetry time.Duration
}

// Governor tracks per-destination dispatch state. Each destination's state is
// independently lockable so cross-domain admissions never contend; the
// registry mutex is held only to create entries. A single Governor may be
// shared across batches so courtesy limits apply system-wide.
type Governor struct {
	cfg Config

	mu      sync.Mutex
	domains map[string]*domainState
}

type domainState struct {
	mu           sync.Mutex
	limiter      *rate.Limiter
	inFlight     int
	lastDispatch time.Time
	failures     int
}

// New constructs a Governor, filling zero config values with defaults.
func New(cfg Config) *Governor {
	if cfg.MaxInFlight <= 0 {
		cfg.MaxInFlight = 2
	}
	if cfg.CapRetry <= 0 {
		cfg.CapRetry = 250 * time.Millisecond
	}
	return &Governor{
		cfg:     cfg,
		domains: make(map[string]*domainState),
	}
}

func (g *Governor) state(destination string) *domainState {
	g.mu.Lock()
	defer g.mu.Unlock()
	st, ok := g.domains[destination]
	if !ok {
		st = &domainState{}
		if g.cfg.Cooldown > 0 {
			st.limiter = rate.NewLimiter(rate.Every(g.cfg.Cooldown), 1)
		}
		g.domains[destination] = st
	}
	return st
}

// TryAdmit admits a dispatch when the destination is under its concurrency
// cap and outside its cooldown window. On admission the in-flight count is
// incremented and the dispatch timestamp recorded atomically; the caller must
// call Release exactly once on every exit path.
func (g *Governor) TryAdmit(destination string) Admission {
	st := g.state(destination)

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.inFlight >= g.cfg.MaxInFlight {
		return Admission{RetryAfter: g.cfg.CapRetry}
	}

	now := time.Now()
	if st.limiter != nil {
		res := st.limiter.ReserveN(now, 1)
		if delay := res.DelayFrom(now); delay > 0 {
			res.CancelAt(now)
			return Admission{RetryAfter: delay}
		}
	}

	st.inFlight++
	st.lastDispatch = now
	return Admission{OK: true}
}

// Release returns an admission slot. It must be invoked exactly once per
// successful TryAdmit, on every exit path of the admitted task.
func (g *Governor) Release(destination string) {
	st := g.state(destination)
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.inFlight > 0 {
		st.inFlight--
	}
}

// RecordFailure increments the destination's rolling failure counter. It is
// informational: escalation policies read it, nothing in the governor acts
// on it.
func (g *Governor) RecordFailure(destination string) {
	st := g.state(destination)
	st.mu.Lock()
	st.failures++
	st.mu.Unlock()
}

// Failures reports the cumulative failure count for a destination.
func (g *Governor) Failures(destination string) int {
	st := g.state(destination)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.failures
}

// InFlight reports the current in-flight count for a destination.
func (g *Governor) InFlight(destination string) int {
	st := g.state(destination)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.inFlight
}

// LastDispatch reports when the destination last admitted a dispatch.
func (g *Governor) LastDispatch(destination string) time.Time {
	st := g.state(destination)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.lastDispatch
}
