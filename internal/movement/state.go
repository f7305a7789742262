// Package movement holds the process-wide debounced motion flag.
//
// The flag is not stored directly. It is derived from the time of the last
// trigger: the state is active while now-last <= hold window (inclusive).
package movement

import (
	"encoding/json"
	"sync"
	"time"
)

// DefaultHoldWindow is how long a trigger keeps the state active.
const DefaultHoldWindow = 10 * time.Second

// Snapshot is the externally visible state.
type Snapshot struct {
	Active      bool
	LastTrigger *time.Time
}

// MarshalJSON renders {"movement": bool, "last_movement": ISO-8601|null}.
// last_movement is only reported while active.
func (s Snapshot) MarshalJSON() ([]byte, error) {
	out := struct {
		Movement     bool    `json:"movement"`
		LastMovement *string `json:"last_movement"`
	}{Movement: s.Active}
	if s.Active && s.LastTrigger != nil {
		ts := s.LastTrigger.UTC().Format(time.RFC3339Nano)
		out.LastMovement = &ts
	}
	return json.Marshal(out)
}

// Listener is told about every change made through TryTrigger or Force.
type Listener func(Snapshot)

// State is safe for concurrent use.
type State struct {
	hold time.Duration
	now  func() time.Time

	mu        sync.Mutex
	last      time.Time
	hasLast   bool
	listeners []Listener
}

// Option configures a State.
type Option func(*State)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *State) { s.now = now }
}

// NewState creates an inactive state. A non-positive hold uses
// DefaultHoldWindow.
func NewState(hold time.Duration, opts ...Option) *State {
	if hold <= 0 {
		hold = DefaultHoldWindow
	}
	s := &State{hold: hold, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// HoldWindow returns the configured hold duration.
func (s *State) HoldWindow() time.Duration { return s.hold }

// OnChange registers l. Listeners run synchronously after the lock is
// released and must not block.
func (s *State) OnChange(l Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()
}

// Read returns the current state.
func (s *State) Read() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(s.now())
}

// TryTrigger records a trigger at now unless the hold window from a previous
// trigger is still open. It reports whether the trigger was accepted.
func (s *State) TryTrigger(now time.Time) bool {
	s.mu.Lock()
	if s.inWindowLocked(now) {
		s.mu.Unlock()
		return false
	}
	s.last, s.hasLast = now, true
	snap := s.snapshotLocked(now)
	listeners := s.listeners
	s.mu.Unlock()

	notify(listeners, snap)
	return true
}

// Force overrides the state for diagnostics, bypassing debounce. A nil value
// toggles: inside the hold window it clears, otherwise it sets now. true sets
// now, false clears.
func (s *State) Force(value *bool) Snapshot {
	s.mu.Lock()
	now := s.now()
	var set bool
	if value == nil {
		set = !s.inWindowLocked(now)
	} else {
		set = *value
	}
	if set {
		s.last, s.hasLast = now, true
	} else {
		s.last, s.hasLast = time.Time{}, false
	}
	snap := s.snapshotLocked(now)
	listeners := s.listeners
	s.mu.Unlock()

	notify(listeners, snap)
	return snap
}

func (s *State) inWindowLocked(now time.Time) bool {
	return s.hasLast && now.Sub(s.last) <= s.hold
}

func (s *State) snapshotLocked(now time.Time) Snapshot {
	snap := Snapshot{Active: s.inWindowLocked(now)}
	if s.hasLast {
		t := s.last
		snap.LastTrigger = &t
	}
	return snap
}

func notify(listeners []Listener, snap Snapshot) {
	for _, l := range listeners {
		l(snap)
	}
}
