package evaluator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/checkd/checkd/internal/config"
	"github.com/checkd/checkd/internal/definition"
	"github.com/checkd/checkd/internal/metrics"
	"github.com/checkd/checkd/internal/types"
	"github.com/rs/zerolog"
)

// ErrNoDatabase is the source error for query alerts when no database is configured.
var ErrNoDatabase = errors.New("no database configured")

var (
	sinceParam = regexp.MustCompile(`\$1\b`)
	untilParam = regexp.MustCompile(`\$2\b`)
)

// Evaluator runs alert sources and turns their outcome into observations.
// It never returns an error: failures become source-error observations.
type Evaluator struct {
	config *config.Config
	db     QueryRunner
	logger zerolog.Logger
	now    func() time.Time
}

// NewEvaluator creates a new source evaluator. db may be nil when no alert
// uses a query source.
func NewEvaluator(cfg *config.Config, db QueryRunner, logger zerolog.Logger) *Evaluator {
	return &Evaluator{
		config: cfg,
		db:     db,
		logger: logger.With().Str("component", "evaluator").Logger(),
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (e *Evaluator) SetClock(now func() time.Time) {
	e.now = now
}

// Evaluate runs the alert's source once. since is the time of the previous
// tick; zero means one interval ago. The evaluation is cancelled once it has
// run for a full interval.
func (e *Evaluator) Evaluate(ctx context.Context, a *definition.Alert, since time.Time) types.Observation {
	now := e.now()
	if since.IsZero() {
		since = now.Add(-a.Interval)
	}
	ctx, cancel := context.WithTimeout(ctx, a.Interval)
	defer cancel()

	start := time.Now()
	var obs types.Observation
	switch src := a.Source.(type) {
	case *definition.QuerySource:
		obs = e.query(ctx, src, since, now)
	case *definition.CommandSource:
		obs = e.command(ctx, a, src)
	case *definition.EventSource:
		obs = types.FailedObservation(types.SourceEvent, now, fmt.Errorf("event sources are not polled"))
	default:
		obs = types.FailedObservation("", now, fmt.Errorf("unsupported source %T", a.Source))
	}
	if obs.Err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		obs.Err = fmt.Errorf("%w (%s)", types.ErrTimeout, a.Interval)
	}
	obs.At = now
	obs.Duration = time.Since(start)

	status := "ok"
	switch {
	case errors.Is(obs.Err, types.ErrTimeout):
		status = "timeout"
	case obs.Err != nil:
		status = "error"
	}
	metrics.EvaluationsTotal.WithLabelValues(string(obs.Kind), status).Inc()
	metrics.EvaluationDuration.WithLabelValues(string(obs.Kind)).Observe(obs.Duration.Seconds())

	ev := e.logger.Debug()
	if obs.Err != nil {
		ev = e.logger.Warn().Err(obs.Err)
	}
	ev.Str("alert", a.ID).
		Str("kind", string(obs.Kind)).
		Dur("duration", obs.Duration).
		Msg("Evaluated alert source")
	return obs
}

func (e *Evaluator) query(ctx context.Context, src *definition.QuerySource, since, until time.Time) types.Observation {
	if e.db == nil {
		return types.FailedObservation(types.SourceQuery, until, ErrNoDatabase)
	}
	rows, err := e.db.Query(ctx, src.SQL, windowArgs(src.SQL, since, until)...)
	if err != nil {
		return types.FailedObservation(types.SourceQuery, until, fmt.Errorf("query: %w", err))
	}
	return types.Observation{Kind: types.SourceQuery, Rows: rows}
}

// windowArgs returns the leading history-window parameters the statement
// actually references. Positional parameters must be contiguous, so a
// statement using only $2 still receives both.
func windowArgs(sql string, since, until time.Time) []any {
	switch {
	case untilParam.MatchString(sql):
		return []any{since.UTC(), until.UTC()}
	case sinceParam.MatchString(sql):
		return []any{since.UTC()}
	default:
		return nil
	}
}

func (e *Evaluator) command(ctx context.Context, a *definition.Alert, src *definition.CommandSource) types.Observation {
	argv, ok := e.config.Interpreter(src.Shell)
	if !ok {
		return types.FailedObservation(types.SourceCommand, time.Time{}, fmt.Errorf("unknown shell %q", src.Shell))
	}
	args := append(append([]string{}, argv[1:]...), src.Script)
	cmd := exec.CommandContext(ctx, argv[0], args...)
	cmd.Env = e.environ(a)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	if stderr.Len() > 0 {
		e.logger.Debug().
			Str("alert", a.ID).
			Str("stderr", strings.TrimSpace(stderr.String())).
			Msg("Command wrote to stderr")
	}

	obs := types.Observation{
		Kind:   types.SourceCommand,
		Stdout: strings.TrimRight(stdout.String(), "\r\n"),
	}
	var exitErr *exec.ExitError
	switch {
	case err == nil:
	case ctx.Err() != nil:
		obs.Err = fmt.Errorf("command: %w", ctx.Err())
	case errors.As(err, &exitErr):
		// a non-zero exit is data, not a failure
		obs.ExitCode = exitErr.ExitCode()
	default:
		obs.Err = fmt.Errorf("command: %w", err)
	}
	return obs
}

func (e *Evaluator) environ(a *definition.Alert) []string {
	env := os.Environ()
	keys := make([]string, 0, len(e.config.Shell.Env))
	for k := range e.config.Shell.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, k+"="+e.config.Shell.Env[k])
	}
	return append(env,
		"CHECKD_ALERT_PATH="+a.ID,
		"CHECKD_ALERT_NAME="+a.Name(),
	)
}
