// Package watch turns filesystem events into debounced sync triggers.
// Bursts of events collapse into a single trigger once the tree settles,
// and a periodic full pass catches anything the event stream missed.
package watch

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"fync/internal/snapshot"
)

const (
	DefaultDebounce = 500 * time.Millisecond
	DefaultInterval = 30 * time.Second
)

// Options configure a watch loop over one root.
type Options struct {
	Root string
	// Debounce is the quiet period after the last event before firing.
	Debounce time.Duration
	// Interval triggers a full pass even without events.
	Interval time.Duration
	Clock    clockwork.Clock
	Log      *zap.Logger
}

// Run watches the root and calls fire after each settled burst of
// changes, plus once per interval as a safety net. It blocks until ctx
// is cancelled or fire returns an error. Events under excluded paths,
// including our own staging files, never trigger.
func Run(ctx context.Context, opts Options, fire func(context.Context) error) error {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	clock := opts.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	absRoot, err := filepath.Abs(opts.Root)
	if err != nil {
		return err
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := addTree(watcher, absRoot, absRoot, log); err != nil {
		return err
	}

	ticker := clock.NewTicker(opts.Interval)
	defer ticker.Stop()
	debounce := clock.NewTimer(opts.Debounce)
	debounce.Stop()

	pending := false
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			rel := relTo(absRoot, ev.Name)
			if rel == "" || snapshot.Excluded(rel) {
				continue
			}
			// New directories must be watched before files land in them.
			if ev.Op&fsnotify.Create != 0 {
				if fi, err := os.Lstat(ev.Name); err == nil && fi.IsDir() {
					if err := addTree(watcher, absRoot, ev.Name, log); err != nil {
						log.Warn("failed to watch new directory", zap.String("path", rel), zap.Error(err))
					}
				}
			}
			log.Debug("change observed", zap.String("path", rel), zap.Stringer("op", ev.Op))
			pending = true
			debounce.Reset(opts.Debounce)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("watcher error", zap.Error(err))

		case <-debounce.Chan():
			if !pending {
				continue
			}
			pending = false
			log.Debug("tree settled, triggering sync")
			if err := fire(ctx); err != nil {
				return err
			}
			// Directories applied by the sync itself need watching too.
			if err := addTree(watcher, absRoot, absRoot, log); err != nil {
				log.Warn("failed to refresh watches", zap.Error(err))
			}

		case <-ticker.Chan():
			if pending {
				// The debounce timer will fire shortly anyway.
				continue
			}
			log.Debug("interval elapsed, triggering full pass")
			if err := fire(ctx); err != nil {
				return err
			}
		}
	}
}

// addTree registers watches on dir and every directory below it,
// skipping excluded subtrees. Directories that vanish mid-walk are
// ignored.
func addTree(w *fsnotify.Watcher, root, dir string, log *zap.Logger) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if rel := relTo(root, path); rel != "" && snapshot.Excluded(rel) {
			return filepath.SkipDir
		}
		if err := w.Add(path); err != nil {
			log.Warn("failed to watch directory", zap.String("path", path), zap.Error(err))
		}
		return nil
	})
}

// relTo returns the slash-relative path of name under root, or "" when
// name lies outside root.
func relTo(root, name string) string {
	rel, err := filepath.Rel(root, name)
	if err != nil || rel == ".." || strings.HasPrefix(rel, "../") {
		return ""
	}
	if rel == "." {
		return ""
	}
	return filepath.ToSlash(rel)
}
