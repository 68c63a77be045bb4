// Package scheduler runs every enabled, polled alert on its own interval.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/checkd/checkd/internal/definition"
	"github.com/checkd/checkd/internal/metrics"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// RunFunc evaluates one alert and handles the result. since is the time of
// the alert's previous tick, zero on the first one.
type RunFunc func(ctx context.Context, a *definition.Alert, since time.Time)

// Scheduler owns one cron entry per enabled alert. Jobs resolve their alert
// in the current snapshot at tick time, so a reload never disturbs a tick
// that is already running.
type Scheduler struct {
	cron    *cron.Cron
	current func() *definition.Snapshot
	run     RunFunc
	logger  zerolog.Logger

	mu      sync.Mutex
	entries map[string]*entry
	started bool
	stopped bool
	ctx     context.Context
	wg      sync.WaitGroup
}

type entry struct {
	cronID   cron.EntryID
	interval time.Duration
	job      *job
}

// NewScheduler creates a scheduler. current returns the active snapshot.
func NewScheduler(current func() *definition.Snapshot, run RunFunc, logger zerolog.Logger) *Scheduler {
	logger = logger.With().Str("component", "scheduler").Logger()
	cl := cronLogger{logger}
	return &Scheduler{
		cron:    cron.New(cron.WithLogger(cl), cron.WithChain(cron.Recover(cl))),
		current: current,
		run:     run,
		logger:  logger,
		entries: make(map[string]*entry),
		ctx:     context.Background(),
	}
}

// Start begins ticking. Every registered alert is evaluated immediately and
// then once per interval. Evaluations outlive ctx's cancellation so that
// shutdown can let them finish.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return
	}
	s.started = true
	s.ctx = context.WithoutCancel(ctx)
	for _, e := range s.entries {
		s.kick(e.job)
	}
	s.cron.Start()
	s.logger.Info().Int("alerts", len(s.entries)).Msg("Scheduler started")
}

// Stop prevents new ticks and waits for running evaluations.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	<-s.cron.Stop().Done()
	s.wg.Wait()
	s.logger.Info().Msg("Scheduler stopped")
}

// Sync reconciles the cron entries with snap: alerts that disappeared or
// were disabled lose their entry, new ones gain one, and a changed interval
// re-registers the entry. Unchanged alerts keep ticking undisturbed.
func (s *Scheduler) Sync(snap *definition.Snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	want := make(map[string]*definition.Alert)
	for _, a := range snap.Scheduled() {
		want[a.ID] = a
	}

	var added, removed, changed int
	for id, e := range s.entries {
		a, ok := want[id]
		if !ok {
			s.cron.Remove(e.cronID)
			delete(s.entries, id)
			removed++
			continue
		}
		if a.Interval != e.interval {
			s.cron.Remove(e.cronID)
			e.cronID = s.cron.Schedule(cron.Every(a.Interval), e.job)
			e.interval = a.Interval
			changed++
		}
	}
	for id, a := range want {
		if _, ok := s.entries[id]; ok {
			continue
		}
		j := &job{alertID: id, s: s}
		s.entries[id] = &entry{
			cronID:   s.cron.Schedule(cron.Every(a.Interval), j),
			interval: a.Interval,
			job:      j,
		}
		added++
		if s.started {
			s.kick(j)
		}
	}
	if added+removed+changed > 0 {
		s.logger.Info().
			Int("added", added).
			Int("removed", removed).
			Int("rescheduled", changed).
			Int("total", len(s.entries)).
			Msg("Schedule updated")
	}
}

// Scheduled returns the identities that currently have an entry.
func (s *Scheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	return ids
}

// kick runs j once outside cron. Must be called with mu held.
func (s *Scheduler) kick(j *job) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		j.Run()
	}()
}

type job struct {
	alertID string
	s       *Scheduler
	running atomic.Bool

	mu   sync.Mutex
	last time.Time
}

// Run is one tick. A tick that arrives while the previous evaluation of the
// same alert is still running is skipped and recorded.
func (j *job) Run() {
	if !j.running.CompareAndSwap(false, true) {
		metrics.TicksSkipped.Inc()
		j.s.logger.Warn().Str("alert", j.alertID).Msg("Previous evaluation still running, skipping tick")
		return
	}
	defer j.running.Store(false)

	a, ok := j.s.current().Alert(j.alertID)
	if !ok || !a.Enabled {
		return
	}
	j.mu.Lock()
	since := j.last
	j.last = time.Now()
	j.mu.Unlock()

	j.s.run(j.s.ctx, a, since)
}

// RunOnce evaluates every enabled, polled alert in snap exactly once,
// concurrently, and returns when all of them have finished.
func RunOnce(ctx context.Context, snap *definition.Snapshot, fn RunFunc) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, a := range snap.Scheduled() {
		a := a
		g.Go(func() error {
			fn(ctx, a, time.Time{})
			return nil
		})
	}
	return g.Wait()
}

// cronLogger routes cron's own logging through zerolog.
type cronLogger struct {
	logger zerolog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.logger.Debug().Fields(keysAndValues).Msg(msg)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.logger.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
