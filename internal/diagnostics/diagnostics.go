// Package diagnostics exposes the engine's observable state to the UI layer
// (C8, §4.8): a read-only snapshot updated by C6/C7 through one mutex-guarded
// setter and fanned out to subscribers, the same shape this codebase uses
// for other UI-facing status surfaces (a struct snapshot plus a callback
// list, rather than a push-based event stream).
package diagnostics

import (
	"sync"
	"time"

	"github.com/syncmesh/syncmesh/internal/resolve"
)

// ConnState is the coordinator's high-level lifecycle state.
type ConnState string

const (
	StateStopped    ConnState = "stopped"
	StateRunning    ConnState = "running"
	StateHalted     ConnState = "halted" // auth required; see syncerr.ErrAuthRequired
	StateDisconnect ConnState = "disconnected"
)

// DefaultConflictWindow is the default capacity of the rolling conflict
// history ring buffer (§4.8).
const DefaultConflictWindow = 50

// Status is the immutable snapshot consumers observe.
type Status struct {
	State               ConnState
	PendingCount        int
	EntitiesWithPending int
	LastSuccessfulPush  time.Time
	LastPull            time.Time
	LastErrorClass      string
	LastError           string
	Connected           bool
	RecentConflicts     []resolve.Outcome
	ReapedTables        []string
}

// Surface is the engine's status broadcaster. No mutations reach it from
// consumers — only Subscribe and Snapshot are public read paths; Set* is
// used internally by C6/C7.
type Surface struct {
	mu          sync.RWMutex
	status      Status
	window      int
	subscribers []func(Status)
}

// New creates a Surface with the given rolling conflict window (0 uses the
// default).
func New(window int) *Surface {
	if window <= 0 {
		window = DefaultConflictWindow
	}
	return &Surface{window: window, status: Status{State: StateStopped}}
}

// Snapshot returns the current status.
func (s *Surface) Snapshot() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status
}

// Subscribe registers cb to be called on every status change, and
// immediately once with the current snapshot.
func (s *Surface) Subscribe(cb func(Status)) {
	s.mu.Lock()
	s.subscribers = append(s.subscribers, cb)
	current := s.status
	s.mu.Unlock()
	cb(current)
}

func (s *Surface) update(fn func(*Status)) {
	s.mu.Lock()
	fn(&s.status)
	snapshot := s.status
	subs := append([]func(Status){}, s.subscribers...)
	s.mu.Unlock()

	for _, cb := range subs {
		cb(snapshot)
	}
}

// SetState transitions the coordinator's lifecycle state.
func (s *Surface) SetState(state ConnState) {
	s.update(func(st *Status) { st.State = state })
}

// SetConnected records connectivity flips.
func (s *Surface) SetConnected(connected bool) {
	s.update(func(st *Status) { st.Connected = connected })
}

// SetPending records the current queue depth and the number of entities
// with at least one unsynced operation.
func (s *Surface) SetPending(count, entities int) {
	s.update(func(st *Status) {
		st.PendingCount = count
		st.EntitiesWithPending = entities
	})
}

// RecordPush marks a successful push cycle.
func (s *Surface) RecordPush(at time.Time) {
	s.update(func(st *Status) { st.LastSuccessfulPush = at })
}

// RecordPull marks a successful pull cycle.
func (s *Surface) RecordPull(at time.Time) {
	s.update(func(st *Status) { st.LastPull = at })
}

// RecordError surfaces the most recent failure class and message.
func (s *Surface) RecordError(class, message string) {
	s.update(func(st *Status) {
		st.LastErrorClass = class
		st.LastError = message
	})
}

// RecordConflict appends outcome to the rolling conflict window, evicting
// the oldest entry once the window is full.
func (s *Surface) RecordConflict(outcome resolve.Outcome) {
	s.update(func(st *Status) {
		st.RecentConflicts = append(st.RecentConflicts, outcome)
		if len(st.RecentConflicts) > s.window {
			st.RecentConflicts = st.RecentConflicts[len(st.RecentConflicts)-s.window:]
		}
	})
}

// RecordReaped records the tables affected by a reap_exhausted pass so the
// UI can prompt the user once per table.
func (s *Surface) RecordReaped(tables []string) {
	s.update(func(st *Status) { st.ReapedTables = tables })
}
