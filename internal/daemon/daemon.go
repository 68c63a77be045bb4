// Package daemon wires the loader, scheduler, evaluator, alert engine,
// notification pipeline, reload coordinator and control API together.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/checkd/checkd/internal/alerter"
	"github.com/checkd/checkd/internal/api"
	"github.com/checkd/checkd/internal/config"
	"github.com/checkd/checkd/internal/definition"
	"github.com/checkd/checkd/internal/evaluator"
	"github.com/checkd/checkd/internal/ingest"
	"github.com/checkd/checkd/internal/logging"
	"github.com/checkd/checkd/internal/metrics"
	"github.com/checkd/checkd/internal/notifier"
	"github.com/checkd/checkd/internal/reload"
	"github.com/checkd/checkd/internal/scheduler"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ErrNotLoaded is returned by operations that need a snapshot before the
// first load has happened.
var ErrNotLoaded = errors.New("definitions not loaded yet")

// Daemon owns every long-lived component. The active snapshot is replaced
// only by the reload coordinator; everything else reads it.
type Daemon struct {
	config *config.Config
	root   zerolog.Logger
	logger zerolog.Logger

	db          *evaluator.Database
	queries     evaluator.QueryRunner
	mail        notifier.Transport
	webhook     notifier.Transport
	logBuffer   *logging.Buffer
	eventStore  alerter.EventStore
	evaluator   *evaluator.Evaluator
	pipeline    *notifier.Pipeline
	engine      *alerter.Engine
	loader      *definition.Loader
	scheduler   *scheduler.Scheduler
	coordinator *reload.Coordinator

	snapshot atomic.Pointer[definition.Snapshot]
}

// Option customizes a Daemon.
type Option func(*Daemon)

// WithQueryRunner replaces the configured database.
func WithQueryRunner(q evaluator.QueryRunner) Option {
	return func(d *Daemon) { d.queries = q }
}

// WithTransports replaces the mail and webhook transports.
func WithTransports(mail, webhook notifier.Transport) Option {
	return func(d *Daemon) {
		d.mail = mail
		d.webhook = webhook
	}
}

// WithEventStore replaces the store selected by events.state.
func WithEventStore(s alerter.EventStore) Option {
	return func(d *Daemon) { d.eventStore = s }
}

// WithLogBuffer makes recent log lines available through the control API.
func WithLogBuffer(b *logging.Buffer) Option {
	return func(d *Daemon) { d.logBuffer = b }
}

// New builds a daemon from cfg. Nothing is loaded or started yet.
func New(cfg *config.Config, logger zerolog.Logger, opts ...Option) (*Daemon, error) {
	d := &Daemon{
		config: cfg,
		root:   logger,
		logger: logger.With().Str("component", "daemon").Logger(),
	}
	for _, opt := range opts {
		opt(d)
	}

	if d.queries == nil && cfg.Database.DSN != "" {
		db, err := evaluator.OpenDatabase(cfg.Database)
		if err != nil {
			return nil, err
		}
		d.db = db
		d.queries = db
	}

	var err error
	if d.mail != nil || d.webhook != nil {
		if d.mail == nil {
			d.mail = notifier.NewLogTransport(logger)
		}
		if d.webhook == nil {
			d.webhook = notifier.NewWebhookTransport(cfg.Webhook)
		}
		d.pipeline, err = notifier.NewPipelineWithTransports(cfg, d.mail, d.webhook, logger.With().Str("component", "notifier").Logger())
	} else {
		d.pipeline, err = notifier.NewPipeline(cfg, logger)
	}
	if err != nil {
		return nil, fmt.Errorf("notification pipeline: %w", err)
	}

	if d.eventStore == nil {
		if d.eventStore, err = alerter.NewEventStore(cfg.Events); err != nil {
			return nil, err
		}
	}
	d.engine, err = alerter.NewEngine(cfg, alerter.NewTable(logger), d.pipeline, d.eventStore, logger)
	if err != nil {
		return nil, err
	}

	d.evaluator = evaluator.NewEvaluator(cfg, d.queries, logger)
	d.loader = definition.NewLoader(cfg.Alerts, cfg.Targets, cfg.Defaults.Interval)
	d.scheduler = scheduler.NewScheduler(d.Current, d.runAlert, logger)
	d.coordinator = reload.NewCoordinator(cfg.Reload.Debounce, d.reload, logger)
	return d, nil
}

// Current returns the active snapshot, nil before the first load.
func (d *Daemon) Current() *definition.Snapshot {
	return d.snapshot.Load()
}

// Publish makes snap the active snapshot and reconciles runtime state and
// the schedule with it. Ticks already running keep the snapshot they started with.
func (d *Daemon) Publish(ctx context.Context, snap *definition.Snapshot) {
	d.snapshot.Store(snap)
	d.engine.Retain(snap)
	d.engine.DefinitionErrors(ctx, snap)
	d.scheduler.Sync(snap)

	metrics.LoadedAlerts.Set(float64(len(snap.Alerts)))
	metrics.DefinitionErrors.Set(float64(len(snap.Errors)))
	d.logger.Info().
		Int("alerts", len(snap.Alerts)).
		Int("scheduled", len(snap.Scheduled())).
		Int("targets", snap.Targets.Len()).
		Int("errors", len(snap.Errors)).
		Msg("Definitions loaded")
	for _, fe := range snap.Errors {
		d.logger.Warn().Str("alert", fe.Path).Strs("problems", fe.Problems).Msg("Definition rejected")
	}
}

// Load reads the definitions and publishes them.
func (d *Daemon) Load(ctx context.Context) error {
	snap, err := d.loader.Load()
	if err != nil {
		metrics.ReloadsTotal.WithLabelValues("error").Inc()
		return err
	}
	d.Publish(ctx, snap)
	metrics.ReloadsTotal.WithLabelValues("success").Inc()
	return nil
}

func (d *Daemon) reload(ctx context.Context, _ []reload.Source) error {
	return d.Load(ctx)
}

func (d *Daemon) runAlert(ctx context.Context, a *definition.Alert, since time.Time) {
	obs := d.evaluator.Evaluate(ctx, a, since)
	d.engine.Process(ctx, d.Current(), a, obs)
}

// Run loads the definitions, starts every component and blocks until ctx
// is cancelled. In-flight evaluations finish before Run returns.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Load(ctx); err != nil {
		return fmt.Errorf("initial load: %w", err)
	}

	var server *api.Server
	if d.config.Control.Enabled {
		server = api.NewServer(d, d.root, d.config.Control.Listen)
		if d.logBuffer != nil {
			server.SetLogBuffer(d.logBuffer)
		}
		if err := server.Start(); err != nil {
			return err
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.coordinator.Run(gctx) })
	g.Go(func() error {
		d.coordinator.HandleSignals(gctx)
		return nil
	})
	if d.config.Reload.Watch {
		g.Go(func() error {
			if err := d.coordinator.Watch(gctx, d.loader.WatchDirs(), d.loader.Matches); err != nil {
				d.logger.Error().Err(err).Msg("File watching disabled")
			}
			return nil
		})
	}
	if len(d.config.Events.Kafka.Brokers) > 0 {
		consumer, err := ingest.NewConsumer(d.config.Events.Kafka, d.Ingest, d.root)
		if err != nil {
			d.logger.Error().Err(err).Msg("Kafka event bridge disabled")
		} else {
			g.Go(func() error {
				if err := consumer.Run(gctx); err != nil {
					d.logger.Error().Err(err).Msg("Kafka event bridge stopped")
				}
				return nil
			})
		}
	}

	d.scheduler.Start(ctx)
	d.logger.Info().Msg("checkd started")

	<-ctx.Done()
	d.logger.Info().Msg("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if server != nil {
		if err := server.Shutdown(shutdownCtx); err != nil {
			d.logger.Warn().Err(err).Msg("Control API shutdown")
		}
	}
	d.scheduler.Stop()
	err := g.Wait()
	d.close()
	return err
}

// DryRun loads the definitions, evaluates every enabled polled alert once
// and returns after all of them, notifications included, have completed.
func (d *Daemon) DryRun(ctx context.Context) error {
	defer d.close()
	if err := d.Load(ctx); err != nil {
		return fmt.Errorf("initial load: %w", err)
	}
	snap := d.Current()
	start := time.Now()
	err := scheduler.RunOnce(ctx, snap, d.runAlert)
	d.logger.Info().
		Int("alerts", len(snap.Scheduled())).
		Dur("duration", time.Since(start)).
		Msg("Dry run finished")
	return err
}

func (d *Daemon) close() {
	if err := d.eventStore.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("Closing event store")
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.logger.Warn().Err(err).Msg("Closing database")
		}
	}
}

// List implements api.Backend.
func (d *Daemon) List(details bool) []alerter.Status {
	snap := d.Current()
	if snap == nil {
		return nil
	}
	return d.engine.List(snap, details)
}

// Reload implements api.Backend. It waits for the reload that includes the request.
func (d *Daemon) Reload(ctx context.Context) error {
	return d.coordinator.RequestWait(ctx, reload.SourceAPI)
}

// Pause implements api.Backend. id may be an identity, a path relative to
// the daemon's working directory, or a file name that matches exactly one alert.
func (d *Daemon) Pause(id string, until time.Time) (string, alerter.State, error) {
	snap := d.Current()
	if snap == nil {
		return "", alerter.State{}, ErrNotLoaded
	}
	resolved := resolve(snap, id)
	st, err := d.engine.Pause(snap, resolved, until)
	return resolved, st, err
}

func resolve(snap *definition.Snapshot, id string) string {
	if snap.Exists(id) {
		return id
	}
	if abs, err := filepath.Abs(id); err == nil && snap.Exists(abs) {
		return abs
	}
	var found []string
	for _, candidate := range append(snap.IDs(), snap.Errors.Paths()...) {
		if filepath.Base(candidate) == id {
			found = append(found, candidate)
		}
	}
	if len(found) == 1 {
		return found[0]
	}
	return id
}

// Validate implements api.Backend. The file is checked against the active
// target registry and never added to the active set.
func (d *Daemon) Validate(path string) (*definition.Alert, error) {
	snap := d.Current()
	if snap == nil {
		return nil, ErrNotLoaded
	}
	return d.loader.LoadFile(path, snap.Targets)
}

// Ingest implements api.Backend and feeds the Kafka bridge.
func (d *Daemon) Ingest(ctx context.Context, ev alerter.Event) (alerter.IngestResult, error) {
	snap := d.Current()
	if snap == nil {
		return alerter.IngestResult{}, ErrNotLoaded
	}
	return d.engine.Ingest(ctx, snap, ev)
}

// Engine exposes the alert engine, mainly for tests.
func (d *Daemon) Engine() *alerter.Engine {
	return d.engine
}
