package reload

import (
	"context"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fsnotify/fsnotify"
)

// Watch requests a reload whenever a file that match accepts is created,
// written, removed or renamed in one of dirs. It runs until ctx is cancelled.
// Directories that do not exist are skipped with a warning.
func (c *Coordinator) Watch(ctx context.Context, dirs []string, match func(path string) bool) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	watched := 0
	for _, dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			c.logger.Warn().Err(err).Str("dir", dir).Msg("Cannot watch directory")
			continue
		}
		watched++
	}
	c.logger.Info().Strs("dirs", dirs).Int("watched", watched).Msg("Watching for definition changes")

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			path, err := filepath.Abs(event.Name)
			if err != nil || !match(path) {
				continue
			}
			c.logger.Debug().Str("path", path).Str("op", event.Op.String()).Msg("Definition file changed")
			c.Request(SourceWatch)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			c.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

// HandleSignals turns SIGHUP into reload requests until ctx is cancelled.
func (c *Coordinator) HandleSignals(ctx context.Context) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
			c.logger.Info().Msg("Received SIGHUP")
			c.Request(SourceSignal)
		}
	}
}
