// Package liveness tracks the paging gateway's keepalives and escalates when
// they stop arriving.
//
// The monitor is driven by the caller: Observe is fed every parsed page and
// Check is called once per pass over the available input. There is no timer
// goroutine, so the resolution of Check is bounded by how often input arrives.
package liveness

import (
	"sync"
	"time"

	"github.com/linnemanlabs/capcode/internal/page"
)

// State is the monitor's position on the missed-keepalive ladder.
type State string

const (
	StateHealthy State = "healthy"
	StateStale   State = "stale"

	// StateFatal is terminal. Only a restart recovers.
	StateFatal State = "fatal"
)

// EventKind names a state transition reported to the caller.
type EventKind string

const (
	EventResumed EventKind = "resumed"
	EventStale   EventKind = "stale"
	EventFatal   EventKind = "fatal"
)

// Event is a transition the caller should act on. Since is the time elapsed
// since the last keepalive when the event fired.
type Event struct {
	Kind  EventKind     `json:"kind"`
	At    time.Time     `json:"at"`
	Since time.Duration `json:"since"`
}

// Status is a point-in-time snapshot of the monitor.
type Status struct {
	State           State     `json:"state"`
	LastKeepalive   time.Time `json:"last_keepalive"`
	LastMissedCheck time.Time `json:"last_missed_check,omitzero"`
	Interval        string    `json:"interval"`
	MaxMissed       int       `json:"max_missed"`
}

// Monitor is safe for concurrent use.
type Monitor struct {
	interval  time.Duration
	maxMissed int

	mu            sync.Mutex
	state         State
	lastKeepalive time.Time
	lastMissed    time.Time
}

// NewMonitor returns a healthy monitor that counts from start. A maxMissed of
// zero disables the fatal escalation.
func NewMonitor(interval time.Duration, maxMissed int, start time.Time) *Monitor {
	return &Monitor{
		interval:      interval,
		maxMissed:     maxMissed,
		state:         StateHealthy,
		lastKeepalive: start,
	}
}

// Observe records a keepalive page. Other outcomes are ignored. It reports a
// resumed event when a keepalive arrives while the monitor is stale.
func (m *Monitor) Observe(inc *page.Incident) (Event, bool) {
	if inc == nil || inc.Outcome != page.OutcomeKeepalive {
		return Event{}, false
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateFatal {
		return Event{}, false
	}

	since := inc.Timestamp.Sub(m.lastKeepalive)
	wasStale := m.state == StateStale

	m.lastKeepalive = inc.Timestamp
	m.lastMissed = time.Time{}
	m.state = StateHealthy

	if !wasStale {
		return Event{}, false
	}
	return Event{Kind: EventResumed, At: inc.Timestamp, Since: since}, true
}

// Check evaluates the ladder at now. At most one event is returned; when the
// same check both misses an interval and crosses the fatal threshold only the
// fatal event is reported.
func (m *Monitor) Check(now time.Time) (Event, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state == StateFatal {
		return Event{}, false
	}

	ref := m.lastKeepalive
	if !m.lastMissed.IsZero() {
		ref = m.lastMissed
	}

	var (
		ev  Event
		hit bool
	)
	if now.Sub(ref) > m.interval {
		m.state = StateStale
		m.lastMissed = now
		ev, hit = Event{Kind: EventStale, At: now, Since: now.Sub(m.lastKeepalive)}, true
	}

	if m.state == StateStale && m.maxMissed > 0 &&
		now.Sub(m.lastKeepalive) >= m.interval*time.Duration(m.maxMissed) {
		m.state = StateFatal
		return Event{Kind: EventFatal, At: now, Since: now.Sub(m.lastKeepalive)}, true
	}

	return ev, hit
}

// Status returns a snapshot of the monitor.
func (m *Monitor) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Status{
		State:           m.state,
		LastKeepalive:   m.lastKeepalive,
		LastMissedCheck: m.lastMissed,
		Interval:        m.interval.String(),
		MaxMissed:       m.maxMissed,
	}
}
