package watch

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startWatch(t *testing.T, ctx context.Context, opts Options, fire func(context.Context) error) <-chan error {
	t.Helper()
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, opts, fire)
	}()
	// Give the watcher a moment to register before the test mutates the tree.
	time.Sleep(50 * time.Millisecond)
	return done
}

func TestRun_FiresAfterEventsSettle(t *testing.T) {
	root := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fires atomic.Int64
	done := startWatch(t, ctx, Options{Root: root, Debounce: 30 * time.Millisecond, Interval: time.Hour},
		func(context.Context) error {
			fires.Add(1)
			return nil
		})

	require.NoError(t, os.WriteFile(filepath.Join(root, "a.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "b.txt"), []byte("y"), 0o644))

	require.Eventually(t, func() bool { return fires.Load() >= 1 },
		2*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRun_ExcludedPathsNeverTrigger(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.Mkdir(filepath.Join(root, ".git"), 0o755))
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fires atomic.Int64
	done := startWatch(t, ctx, Options{Root: root, Debounce: 20 * time.Millisecond, Interval: time.Hour},
		func(context.Context) error {
			fires.Add(1)
			return nil
		})

	require.NoError(t, os.WriteFile(filepath.Join(root, ".git", "HEAD"), []byte("ref"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, ".fync-tmp-123"), []byte("staged"), 0o644))

	time.Sleep(200 * time.Millisecond)
	assert.Zero(t, fires.Load())

	cancel()
	<-done
}

func TestRun_NewSubdirectoryIsWatched(t *testing.T) {
	root := t.TempDir()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var fires atomic.Int64
	done := startWatch(t, ctx, Options{Root: root, Debounce: 30 * time.Millisecond, Interval: time.Hour},
		func(context.Context) error {
			fires.Add(1)
			return nil
		})

	require.NoError(t, os.Mkdir(filepath.Join(root, "sub"), 0o755))
	require.Eventually(t, func() bool { return fires.Load() >= 1 },
		2*time.Second, 10*time.Millisecond)

	// A write inside the new directory must trigger again.
	require.NoError(t, os.WriteFile(filepath.Join(root, "sub", "inner.txt"), []byte("z"), 0o644))
	require.Eventually(t, func() bool { return fires.Load() >= 2 },
		2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestRun_IntervalFiresWithoutEvents(t *testing.T) {
	root := t.TempDir()
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{Root: root, Interval: time.Minute, Clock: clock},
			func(context.Context) error {
				select {
				case fired <- struct{}{}:
				default:
				}
				return nil
			})
	}()

	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("interval pass never fired")
	}

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}

func TestRun_FireErrorStopsTheLoop(t *testing.T) {
	root := t.TempDir()
	clock := clockwork.NewFakeClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	boom := errors.New("sync failed")
	done := make(chan error, 1)
	go func() {
		done <- Run(ctx, Options{Root: root, Interval: time.Minute, Clock: clock},
			func(context.Context) error { return boom })
	}()

	clock.BlockUntil(1)
	clock.Advance(time.Minute)

	require.ErrorIs(t, <-done, boom)
}

func TestRelTo(t *testing.T) {
	assert.Equal(t, "a/b.txt", relTo("/root", "/root/a/b.txt"))
	assert.Equal(t, "", relTo("/root", "/root"))
	assert.Equal(t, "", relTo("/root", "/elsewhere/f.txt"))
}
