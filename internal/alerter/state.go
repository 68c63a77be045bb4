package alerter

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/checkd/checkd/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrUnknownAlert is returned when an operation names an identity that is not loaded.
var ErrUnknownAlert = errors.New("unknown alert")

// State is the runtime history of one alert identity. It is independent of
// the definition's content and survives reloads for as long as the identity does.
type State struct {
	Triggered       bool            `json:"triggered"`
	TriggeredFields map[string]bool `json:"triggered_fields,omitempty"`
	Signature       string          `json:"signature,omitempty"`
	LastSentAt      time.Time       `json:"last_sent_at"`
	PausedUntil     time.Time       `json:"paused_until"`
	LastEvaluatedAt time.Time       `json:"last_evaluated_at"`
	LastError       string          `json:"last_error,omitempty"`
}

// Paused reports whether notifications are suppressed at now.
func (s State) Paused(now time.Time) bool {
	return !s.PausedUntil.IsZero() && now.Before(s.PausedUntil)
}

func (s State) clone() State {
	if s.TriggeredFields != nil {
		fields := make(map[string]bool, len(s.TriggeredFields))
		for k, v := range s.TriggeredFields {
			fields[k] = v
		}
		s.TriggeredFields = fields
	}
	return s
}

// Table is the keyed runtime-state store shared by the scheduler, the reload
// coordinator and the control API. Only the state machine (through Update)
// and Pause mutate entries.
type Table struct {
	logger zerolog.Logger
	mu     sync.RWMutex
	states map[string]*State
	now    func() time.Time
}

// NewTable creates an empty state table.
func NewTable(logger zerolog.Logger) *Table {
	return &Table{
		logger: logger.With().Str("component", "state").Logger(),
		states: make(map[string]*State),
		now:    time.Now,
	}
}

// Get returns a copy of the state for id. Unseen identities report the zero
// state (OK, unpaused) and false.
func (t *Table) Get(id string) (State, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.states[id]
	if !ok {
		return State{}, false
	}
	return s.clone(), true
}

// Update applies fn to the entry for id under the table lock, creating it
// first if needed, and returns the result.
func (t *Table) Update(id string, fn func(*State)) State {
	t.mu.Lock()
	defer t.mu.Unlock()
	s, ok := t.states[id]
	if !ok {
		s = &State{}
		t.states[id] = s
	}
	fn(s)
	t.refreshGauges()
	return s.clone()
}

// Pause suppresses notifications for id until the deadline.
func (t *Table) Pause(id string, until time.Time) State {
	st := t.Update(id, func(s *State) { s.PausedUntil = until })
	t.logger.Info().Str("alert", id).Time("until", until).Msg("Alert paused")
	return st
}

// Delete drops the entry for id.
func (t *Table) Delete(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.states, id)
	t.refreshGauges()
}

// Retain discards every entry for which keep returns false and returns the
// discarded identities.
func (t *Table) Retain(keep func(id string) bool) []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var removed []string
	for id := range t.states {
		if !keep(id) {
			delete(t.states, id)
			removed = append(removed, id)
		}
	}
	sort.Strings(removed)
	t.refreshGauges()
	for _, id := range removed {
		t.logger.Debug().Str("alert", id).Msg("Discarded runtime state")
	}
	return removed
}

// Snapshot returns a copy of every entry.
func (t *Table) Snapshot() map[string]State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make(map[string]State, len(t.states))
	for id, s := range t.states {
		out[id] = s.clone()
	}
	return out
}

// Len returns the number of tracked identities.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.states)
}

// refreshGauges must be called with mu held.
func (t *Table) refreshGauges() {
	now := t.now()
	var triggered, paused int
	for _, s := range t.states {
		if s.Triggered {
			triggered++
		}
		if s.Paused(now) {
			paused++
		}
	}
	metrics.TriggeredAlerts.Set(float64(triggered))
	metrics.PausedAlerts.Set(float64(paused))
}
