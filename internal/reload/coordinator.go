// Package reload merges file changes, signals and API calls into debounced
// reloads of the alert definitions.
package reload

import (
	"context"
	"time"

	"github.com/rs/zerolog"
)

// Source names what asked for a reload.
type Source string

const (
	SourceWatch  Source = "watch"
	SourceSignal Source = "signal"
	SourceAPI    Source = "api"
)

// Func performs one reload. sources lists every request folded into it.
type Func func(ctx context.Context, sources []Source) error

type request struct {
	source Source
	done   chan error
}

// Coordinator is the single consumer of reload requests and so the only
// writer of the active snapshot.
type Coordinator struct {
	requests chan request
	debounce time.Duration
	reload   Func
	logger   zerolog.Logger
}

// NewCoordinator creates a coordinator that waits for debounce of quiet
// before running reload.
func NewCoordinator(debounce time.Duration, reload Func, logger zerolog.Logger) *Coordinator {
	return &Coordinator{
		requests: make(chan request, 64),
		debounce: debounce,
		reload:   reload,
		logger:   logger.With().Str("component", "reload").Logger(),
	}
}

// Request asks for a reload without waiting for it. When the queue is full
// a reload is already pending, so the request is dropped.
func (c *Coordinator) Request(src Source) {
	select {
	case c.requests <- request{source: src}:
	default:
		c.logger.Debug().Str("source", string(src)).Msg("Reload already pending")
	}
}

// RequestWait asks for a reload and waits for the reload that includes it.
func (c *Coordinator) RequestWait(ctx context.Context, src Source) error {
	done := make(chan error, 1)
	select {
	case c.requests <- request{source: src, done: done}:
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run consumes requests until ctx is cancelled. A burst of requests within
// the debounce window produces one reload.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		var batch []request
		select {
		case <-ctx.Done():
			return nil
		case r := <-c.requests:
			batch = append(batch, r)
		}

		timer := time.NewTimer(c.debounce)
	collect:
		for {
			select {
			case <-ctx.Done():
				timer.Stop()
				finish(batch, ctx.Err())
				return nil
			case r := <-c.requests:
				batch = append(batch, r)
				timer.Reset(c.debounce)
			case <-timer.C:
				break collect
			}
		}

		sources := make([]Source, 0, len(batch))
		seen := map[Source]bool{}
		for _, r := range batch {
			if !seen[r.source] {
				seen[r.source] = true
				sources = append(sources, r.source)
			}
		}
		start := time.Now()
		err := c.reload(ctx, sources)
		ev := c.logger.Info()
		if err != nil {
			ev = c.logger.Error().Err(err)
		}
		ev.Interface("sources", sources).
			Int("requests", len(batch)).
			Dur("duration", time.Since(start)).
			Msg("Reload finished")
		finish(batch, err)
	}
}

func finish(batch []request, err error) {
	for _, r := range batch {
		if r.done != nil {
			r.done <- err
		}
	}
}
