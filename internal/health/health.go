package health

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/session-timer/backend/internal/clock"
)

type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusDegraded Status = "degraded"
	StatusDown     Status = "down"
)

const (
	// DefaultThreshold is the number of consecutive failures after which a
	// dependency is reported down rather than degraded.
	DefaultThreshold = 3

	DefaultLogThrottle = 30 * time.Second
)

// Dependency tracks consecutive failures for one external dependency
// (cache, durable store) and logs them at a throttled rate so an outage
// produces one line per window instead of one per call.
// Fields are protected by mu because every request path can record
// outcomes concurrently with the health endpoint reading them.
type Dependency struct {
	name      string
	threshold int
	throttle  time.Duration
	log       *slog.Logger
	clock     clock.Clock

	mu         sync.Mutex
	failures   int
	lastErr    string
	lastFail   time.Time
	lastLogged time.Time
	suppressed int
}

func (d *Dependency) RecordFailure(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := d.clock.Now()
	d.failures++
	d.lastErr = err.Error()
	d.lastFail = now

	if !d.lastLogged.IsZero() && now.Sub(d.lastLogged) < d.throttle {
		d.suppressed++
		return
	}
	d.log.Warn("dependency unavailable",
		"dependency", d.name,
		"err", d.lastErr,
		"consecutive_failures", d.failures,
		"suppressed", d.suppressed)
	d.lastLogged = now
	d.suppressed = 0
}

func (d *Dependency) RecordSuccess() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.failures > 0 {
		d.log.Info("dependency recovered", "dependency", d.name, "after_failures", d.failures)
	}
	d.failures = 0
	d.lastErr = ""
	d.lastLogged = time.Time{}
	d.suppressed = 0
}

type DependencySnapshot struct {
	Name                string    `json:"name"`
	Status              Status    `json:"status"`
	ConsecutiveFailures int       `json:"consecutiveFailures"`
	LastError           string    `json:"lastError,omitempty"`
	LastFailure         time.Time `json:"lastFailure,omitempty"`
}

// Snapshot returns a consistent copy of the dependency's state.
func (d *Dependency) Snapshot() DependencySnapshot {
	d.mu.Lock()
	defer d.mu.Unlock()
	return DependencySnapshot{
		Name:                d.name,
		Status:              d.statusLocked(),
		ConsecutiveFailures: d.failures,
		LastError:           d.lastErr,
		LastFailure:         d.lastFail,
	}
}

func (d *Dependency) Status() Status {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.statusLocked()
}

// statusLocked computes health status. Caller must hold d.mu.
func (d *Dependency) statusLocked() Status {
	switch {
	case d.failures >= d.threshold:
		return StatusDown
	case d.failures > 0:
		return StatusDegraded
	}
	return StatusHealthy
}

// Tracker owns the process's dependency trackers.
type Tracker struct {
	log      *slog.Logger
	clock    clock.Clock
	throttle time.Duration
	started  time.Time

	mu   sync.Mutex
	deps map[string]*Dependency
}

func NewTracker(log *slog.Logger, c clock.Clock, throttle time.Duration) *Tracker {
	if log == nil {
		log = slog.Default()
	}
	if c == nil {
		c = clock.System{}
	}
	if throttle <= 0 {
		throttle = DefaultLogThrottle
	}
	return &Tracker{
		log:      log,
		clock:    c,
		throttle: throttle,
		started:  c.Now(),
		deps:     make(map[string]*Dependency),
	}
}

// Dependency returns the tracker for name, creating it on first use.
func (t *Tracker) Dependency(name string) *Dependency {
	t.mu.Lock()
	defer t.mu.Unlock()
	if d, ok := t.deps[name]; ok {
		return d
	}
	d := &Dependency{
		name:      name,
		threshold: DefaultThreshold,
		throttle:  t.throttle,
		log:       t.log,
		clock:     t.clock,
	}
	t.deps[name] = d
	return d
}

type Report struct {
	Status       Status               `json:"status"`
	Dependencies []DependencySnapshot `json:"dependencies"`
	Process      *ProcessStats        `json:"process,omitempty"`
	Uptime       string               `json:"uptime"`
}

// Report summarizes every dependency. The overall status is degraded when
// any dependency is not healthy; the service itself keeps running on its
// fallbacks, so it is never reported down.
func (t *Tracker) Report() Report {
	t.mu.Lock()
	deps := make([]*Dependency, 0, len(t.deps))
	for _, d := range t.deps {
		deps = append(deps, d)
	}
	t.mu.Unlock()

	r := Report{
		Status: StatusHealthy,
		Uptime: t.clock.Now().Sub(t.started).Round(time.Second).String(),
	}
	for _, d := range deps {
		snap := d.Snapshot()
		if snap.Status != StatusHealthy {
			r.Status = StatusDegraded
		}
		r.Dependencies = append(r.Dependencies, snap)
	}
	sort.Slice(r.Dependencies, func(i, j int) bool {
		return r.Dependencies[i].Name < r.Dependencies[j].Name
	})
	if ps, err := CurrentProcess(); err == nil {
		r.Process = ps
	}
	return r
}
