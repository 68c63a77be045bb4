package reload

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type reloads struct {
	mu    sync.Mutex
	calls [][]Source
	err   error
}

func (r *reloads) fn(_ context.Context, sources []Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, sources)
	return r.err
}

func (r *reloads) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func startCoordinator(t *testing.T, debounce time.Duration, r *reloads) (*Coordinator, context.CancelFunc) {
	t.Helper()
	c := NewCoordinator(debounce, r.fn, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = c.Run(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return c, cancel
}

func TestBurstIsDebouncedIntoOneReload(t *testing.T) {
	r := &reloads{}
	c, _ := startCoordinator(t, 50*time.Millisecond, r)

	for i := 0; i < 10; i++ {
		c.Request(SourceWatch)
		time.Sleep(5 * time.Millisecond)
	}
	c.Request(SourceSignal)

	require.Eventually(t, func() bool { return r.count() == 1 }, time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, r.count())
	assert.Equal(t, []Source{SourceWatch, SourceSignal}, r.calls[0])
}

func TestSeparateBurstsReloadSeparately(t *testing.T) {
	r := &reloads{}
	c, _ := startCoordinator(t, 20*time.Millisecond, r)

	c.Request(SourceWatch)
	require.Eventually(t, func() bool { return r.count() == 1 }, time.Second, 5*time.Millisecond)
	c.Request(SourceAPI)
	require.Eventually(t, func() bool { return r.count() == 2 }, time.Second, 5*time.Millisecond)
}

func TestRequestWaitReturnsReloadResult(t *testing.T) {
	r := &reloads{err: errors.New("bad glob")}
	c, _ := startCoordinator(t, 10*time.Millisecond, r)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := c.RequestWait(ctx, SourceAPI)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad glob")
}

func TestRequestWaitHonorsContext(t *testing.T) {
	c := NewCoordinator(time.Hour, (&reloads{}).fn, zerolog.Nop())
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	// nobody runs the coordinator, so the reload never happens
	assert.ErrorIs(t, c.RequestWait(ctx, SourceAPI), context.DeadlineExceeded)
}

func TestWatchRequestsReloadForMatchingFiles(t *testing.T) {
	dir := t.TempDir()
	r := &reloads{}
	c, _ := startCoordinator(t, 20*time.Millisecond, r)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ready := make(chan struct{})
	go func() {
		close(ready)
		_ = c.Watch(ctx, []string{dir, filepath.Join(dir, "missing")}, func(p string) bool {
			return strings.HasSuffix(p, ".yaml")
		})
	}()
	<-ready
	time.Sleep(50 * time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0o644))
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0, r.count())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "disk.yaml"), []byte("run: x"), 0o644))
	require.Eventually(t, func() bool { return r.count() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []Source{SourceWatch}, r.calls[0])
}
