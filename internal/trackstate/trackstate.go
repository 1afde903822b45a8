// Package trackstate holds the process-wide observable tracking status.
// It is mutated only by the reporting pipeline and keep-alive paths and
// read by the ops surface; nothing here is persisted.
package trackstate

import (
	"sync"
	"time"

	"fieldtracker/internal/events"
	"fieldtracker/internal/geo"
)

// ErrorInfo captures the most recent pipeline error for display.
type ErrorInfo struct {
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Snapshot is an immutable copy of the aggregate state.
type Snapshot struct {
	Tracking     bool        `json:"tracking"`
	SessionID    *int64      `json:"session_id,omitempty"`
	StartedAt    *time.Time  `json:"started_at,omitempty"`
	LastSample   *geo.Sample `json:"last_sample,omitempty"`
	LastSampleAt *time.Time  `json:"last_sample_at,omitempty"`
	SuccessCount uint64      `json:"success_count"`
	FailureCount uint64      `json:"failure_count"`
	LastError    *ErrorInfo  `json:"last_error,omitempty"`
}

// Aggregator is the single writer-serialized owner of tracking state.
type Aggregator struct {
	mu  sync.RWMutex
	cur Snapshot
	bus *events.Bus[Snapshot]
	now func() time.Time
}

func New() *Aggregator {
	return &Aggregator{bus: events.NewBus[Snapshot](), now: time.Now}
}

// SetTracking marks a session as actively reporting.
func (a *Aggregator) SetTracking(sessionID int64) {
	a.mu.Lock()
	sid := sessionID
	started := a.now().UTC()
	a.cur.Tracking = true
	a.cur.SessionID = &sid
	a.cur.StartedAt = &started
	a.publishLocked()
	a.mu.Unlock()
}

// ClearTracking marks reporting stopped and clears the session pointer.
// Counters and last sample survive until ResetStats.
func (a *Aggregator) ClearTracking() {
	a.mu.Lock()
	a.cur.Tracking = false
	a.cur.SessionID = nil
	a.cur.StartedAt = nil
	a.publishLocked()
	a.mu.Unlock()
}

// RecordSample notes the most recent captured position.
func (a *Aggregator) RecordSample(s geo.Sample) {
	a.mu.Lock()
	sample := s
	at := a.now().UTC()
	a.cur.LastSample = &sample
	a.cur.LastSampleAt = &at
	a.publishLocked()
	a.mu.Unlock()
}

// RecordSuccess increments the delivered counter.
func (a *Aggregator) RecordSuccess() {
	a.mu.Lock()
	a.cur.SuccessCount++
	a.publishLocked()
	a.mu.Unlock()
}

// RecordFailure increments the failure counter and records the error.
func (a *Aggregator) RecordFailure(msg string) {
	a.mu.Lock()
	a.cur.FailureCount++
	a.cur.LastError = &ErrorInfo{Message: msg, At: a.now().UTC()}
	a.publishLocked()
	a.mu.Unlock()
}

// ResetStats zeroes counters and clears last sample/error without
// touching the tracking flag or session.
func (a *Aggregator) ResetStats() {
	a.mu.Lock()
	a.cur.SuccessCount = 0
	a.cur.FailureCount = 0
	a.cur.LastSample = nil
	a.cur.LastSampleAt = nil
	a.cur.LastError = nil
	a.publishLocked()
	a.mu.Unlock()
}

// RunningDuration reports how long the current session has been tracking.
// The second return is false when not tracking.
func (a *Aggregator) RunningDuration() (time.Duration, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.cur.Tracking || a.cur.StartedAt == nil {
		return 0, false
	}
	return a.now().Sub(*a.cur.StartedAt), true
}

// Snapshot returns a copy of the current state.
func (a *Aggregator) Snapshot() Snapshot {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cur
}

// Observe streams a snapshot on every state change.
func (a *Aggregator) Observe() (<-chan Snapshot, func()) {
	return a.bus.Subscribe()
}

func (a *Aggregator) publishLocked() {
	a.bus.Publish(a.cur)
}
