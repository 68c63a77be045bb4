package alerter

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/checkd/checkd/internal/config"
	"github.com/checkd/checkd/internal/definition"
	"github.com/checkd/checkd/internal/metrics"
	"github.com/checkd/checkd/internal/notifier"
	"github.com/checkd/checkd/internal/render"
	"github.com/checkd/checkd/internal/types"
	"github.com/rs/zerolog"
)

// Synthetic identity prefixes.
const (
	DefinitionErrorPrefix = "definition-error:"
	SourceErrorPrefix     = "source-error:"
	EventPrefix           = "event:"
)

// Dispatcher renders and delivers notifications.
type Dispatcher interface {
	Dispatch(ctx context.Context, n notifier.Notification) notifier.Result
	StandardContext(alertID string, extra map[string]any) map[string]any
}

// Engine runs observations through the state machine and dispatches the
// notifications it decides on.
type Engine struct {
	config      *config.Config
	table       *Table
	dispatcher  Dispatcher
	events      EventStore
	logger      zerolog.Logger
	errorPolicy definition.AlwaysSend
	eventPolicy definition.AlwaysSend
	errorSubj   *render.Template
	errorBody   *render.Template
	eventBody   *render.Template
	now         func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine creates a new alert engine.
func NewEngine(cfg *config.Config, table *Table, dispatcher Dispatcher, events EventStore, logger zerolog.Logger) (*Engine, error) {
	errorPolicy, err := definition.ParseAlwaysSend(cfg.Errors.AlwaysSend)
	if err != nil {
		return nil, fmt.Errorf("errors.always_send: %w", err)
	}
	eventPolicy, err := definition.ParseAlwaysSend(cfg.Events.AlwaysSend)
	if err != nil {
		return nil, fmt.Errorf("events.always_send: %w", err)
	}
	errorSubj, err := render.Parse("errors.subject", cfg.Errors.Subject)
	if err != nil {
		return nil, err
	}
	errorBody, err := render.Parse("errors.body", cfg.Errors.Body)
	if err != nil {
		return nil, err
	}
	eventBody, err := render.Parse("events.body", cfg.Events.Body)
	if err != nil {
		return nil, err
	}
	if events == nil {
		events = statelessStore{}
	}
	return &Engine{
		config:      cfg,
		table:       table,
		dispatcher:  dispatcher,
		events:      events,
		logger:      logger.With().Str("component", "alerter").Logger(),
		errorPolicy: errorPolicy,
		eventPolicy: eventPolicy,
		errorSubj:   errorSubj,
		errorBody:   errorBody,
		eventBody:   eventBody,
		now:         time.Now,
		locks:       make(map[string]*sync.Mutex),
	}, nil
}

// SetClock replaces the time source used for errors and events.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
}

// Table returns the runtime-state table.
func (e *Engine) Table() *Table {
	return e.table
}

func (e *Engine) lock(id string) func() {
	e.mu.Lock()
	l, ok := e.locks[id]
	if !ok {
		l = &sync.Mutex{}
		e.locks[id] = l
	}
	e.mu.Unlock()
	l.Lock()
	return l.Unlock
}

// Process handles one observation of a loaded alert. A failed observation
// raises the alert's source-error identity; a successful one clears it.
func (e *Engine) Process(ctx context.Context, snap *definition.Snapshot, a *definition.Alert, obs types.Observation) Decision {
	unlock := e.lock(a.ID)
	defer unlock()

	e.raiseError(ctx, snap, SourceErrorPrefix+a.ID, a.ID, "source-error", obs.Err, obs.At)

	prior, _ := e.table.Get(a.ID)
	d := Transition(a, prior, obs)
	delivered := false
	if d.Notify {
		vars := e.dispatcher.StandardContext(a.ID, obs.Context())
		vars["triggered"] = d.Triggered
		vars["cleared"] = d.Cleared
		vars["reason"] = string(d.Reason)
		res := e.dispatcher.Dispatch(ctx, notifier.Notification{
			AlertID:  a.ID,
			Sends:    a.Send,
			Registry: snap.Targets,
			Context:  vars,
		})
		delivered = res.Delivered()
		metrics.NotificationsTotal.WithLabelValues(string(d.Reason)).Inc()
		e.logger.Info().
			Str("alert", a.ID).
			Str("reason", string(d.Reason)).
			Str("notification_id", res.ID).
			Bool("delivered", delivered).
			Msg("Alert notified")
	} else if d.Paused {
		e.logger.Debug().Str("alert", a.ID).Msg("Alert paused, skipping")
	}
	e.table.Update(a.ID, func(s *State) { d.Apply(s, delivered) })
	return d
}

// DefinitionErrors raises a definition-error identity for every file that
// failed to load in snap and clears the ones whose file now loads.
func (e *Engine) DefinitionErrors(ctx context.Context, snap *definition.Snapshot) {
	failing := make(map[string]*definition.FileError, len(snap.Errors))
	for _, fe := range snap.Errors {
		failing[fe.Path] = fe
	}
	for id := range e.table.Snapshot() {
		path, ok := strings.CutPrefix(id, DefinitionErrorPrefix)
		if ok && failing[path] == nil {
			e.raiseError(ctx, snap, id, path, "definition-error", nil, e.now())
		}
	}
	paths := make([]string, 0, len(failing))
	for p := range failing {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	for _, p := range paths {
		e.raiseError(ctx, snap, DefinitionErrorPrefix+p, p, "definition-error", failing[p], e.now())
	}
}

// raiseError drives a synthetic error identity. A nil cause resets it.
func (e *Engine) raiseError(ctx context.Context, snap *definition.Snapshot, id, path, kind string, cause error, at time.Time) {
	prior, exists := e.table.Get(id)
	if cause == nil {
		if exists {
			e.table.Delete(id)
			e.logger.Info().Str("alert", path).Str("kind", kind).Msg("Error resolved")
		}
		return
	}
	d := ErrorDecision(e.errorPolicy, prior, true, cause.Error(), at)
	delivered := false
	if d.Notify {
		targets := e.config.ErrorTargets()
		if len(targets) == 0 {
			e.logger.Warn().Str("alert", path).Err(cause).Msg("No error target configured, not notifying")
		}
		sends := make([]definition.Send, 0, len(targets))
		for _, t := range targets {
			sends = append(sends, definition.Send{TargetID: t, Subject: e.errorSubj, Body: e.errorBody})
		}
		vars := e.dispatcher.StandardContext(path, map[string]any{
			"error":      cause.Error(),
			"error_kind": kind,
		})
		vars["triggered"] = true
		vars["cleared"] = false
		vars["reason"] = string(d.Reason)
		if len(sends) > 0 {
			res := e.dispatcher.Dispatch(ctx, notifier.Notification{
				AlertID:  id,
				Sends:    sends,
				Registry: snap.Targets,
				Context:  vars,
			})
			delivered = res.Delivered()
		}
		metrics.NotificationsTotal.WithLabelValues(string(ReasonError)).Inc()
	}
	e.table.Update(id, func(s *State) { d.Apply(s, delivered) })
	e.logger.Warn().Err(cause).Str("alert", path).Str("kind", kind).Bool("notified", d.Notify).Msg("Alert error")
}

// Event is one externally delivered event-source payload.
type Event struct {
	Type    string
	Source  string // api or kafka
	Payload map[string]any
}

// IngestResult reports how an event was routed.
type IngestResult struct {
	Matched  []string `json:"matched"`
	Identity string   `json:"identity,omitempty"`
	Notified bool     `json:"notified"`
}

// Ingest routes an event to every enabled event alert of its type, or, when
// none matches, through the unmatched-event identity to the default target.
func (e *Engine) Ingest(ctx context.Context, snap *definition.Snapshot, ev Event) (IngestResult, error) {
	if ev.Type == "" {
		ev.Type = "generic"
	}
	if ev.Source == "" {
		ev.Source = "api"
	}
	now := e.now()
	var res IngestResult
	for _, a := range snap.EventAlerts(ev.Type) {
		d := e.Process(ctx, snap, a, types.EventObservation(ev.Payload, now))
		res.Matched = append(res.Matched, a.ID)
		res.Notified = res.Notified || d.Notify
	}
	if len(res.Matched) > 0 {
		metrics.EventsTotal.WithLabelValues(ev.Source, "true").Inc()
		return res, nil
	}
	metrics.EventsTotal.WithLabelValues(ev.Source, "false").Inc()

	id := EventPrefix + ev.Type
	res.Identity = id
	unlock := e.lock(id)
	defer unlock()

	prior, err := e.events.Load(ctx, id)
	if err != nil {
		return res, fmt.Errorf("loading event state: %w", err)
	}
	a := &definition.Alert{
		ID:         id,
		Enabled:    true,
		AlwaysSend: e.eventPolicy,
		Source:     &definition.EventSource{Type: ev.Type},
	}
	if target := e.config.Defaults.Target; target != "" {
		send := definition.Send{TargetID: target, Body: e.eventBody}
		if _, ok := ev.Payload["subject"]; ok {
			send.Subject = eventSubject
		}
		a.Send = []definition.Send{send}
	}
	obs := types.EventObservation(ev.Payload, now)
	d := Transition(a, prior, obs)
	delivered := false
	if d.Notify {
		if len(a.Send) == 0 {
			e.logger.Warn().Str("event", ev.Type).Msg("Unmatched event and no default target, not notifying")
		} else {
			vars := e.dispatcher.StandardContext(id, obs.Context())
			vars["triggered"] = true
			vars["cleared"] = false
			vars["reason"] = string(d.Reason)
			r := e.dispatcher.Dispatch(ctx, notifier.Notification{
				AlertID:  id,
				Sends:    a.Send,
				Registry: snap.Targets,
				Context:  vars,
			})
			delivered = r.Delivered()
			metrics.NotificationsTotal.WithLabelValues(string(d.Reason)).Inc()
		}
	}
	res.Notified = d.Notify && len(a.Send) > 0
	d.Apply(&prior, delivered)
	if err := e.events.Save(ctx, id, prior); err != nil {
		return res, fmt.Errorf("saving event state: %w", err)
	}
	return res, nil
}

var eventSubject = render.MustParse("event.subject", "{{ .subject }}")

// Pause suppresses notifications for a matched alert file until the deadline.
func (e *Engine) Pause(snap *definition.Snapshot, id string, until time.Time) (State, error) {
	if !snap.Exists(id) {
		return State{}, fmt.Errorf("%w: %s", ErrUnknownAlert, id)
	}
	return e.table.Pause(id, until), nil
}

// Retain discards state for identities no longer backed by a matched file.
// Synthetic error identities follow the file they derive from.
func (e *Engine) Retain(snap *definition.Snapshot) []string {
	removed := e.table.Retain(func(id string) bool {
		switch {
		case strings.HasPrefix(id, DefinitionErrorPrefix):
			return snap.Failed(strings.TrimPrefix(id, DefinitionErrorPrefix))
		case strings.HasPrefix(id, SourceErrorPrefix):
			return snap.Exists(strings.TrimPrefix(id, SourceErrorPrefix))
		}
		return snap.Exists(id)
	})
	if len(removed) > 0 {
		e.mu.Lock()
		for _, id := range removed {
			delete(e.locks, id)
		}
		e.mu.Unlock()
		e.logger.Info().Strs("alerts", removed).Msg("Discarded state of removed alerts")
	}
	return removed
}

// Status describes one alert file for listings.
type Status struct {
	ID       string        `json:"id"`
	Name     string        `json:"name"`
	Kind     string        `json:"kind,omitempty"`
	Enabled  bool          `json:"enabled"`
	Interval time.Duration `json:"interval,omitempty"`
	Error    string        `json:"error,omitempty"`
	State    *State        `json:"state,omitempty"`
}

// List returns every matched alert file in identity order. details adds
// the runtime state.
func (e *Engine) List(snap *definition.Snapshot, details bool) []Status {
	var out []Status
	for _, id := range snap.IDs() {
		a := snap.Alerts[id]
		st := Status{ID: id, Name: a.Name(), Kind: string(a.Source.Kind()), Enabled: a.Enabled, Interval: a.Interval}
		if details {
			s, _ := e.table.Get(id)
			st.State = &s
		}
		out = append(out, st)
	}
	for _, fe := range snap.Errors {
		st := Status{ID: fe.Path, Name: baseName(fe.Path), Error: fe.Error()}
		if details {
			s, _ := e.table.Get(fe.Path)
			st.State = &s
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func baseName(p string) string {
	if i := strings.LastIndexAny(p, `/\`); i >= 0 {
		return p[i+1:]
	}
	return p
}
