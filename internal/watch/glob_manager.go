package watch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/sirupsen/logrus"

	"github.com/LucienLassalle/SLE/internal/config"
	"github.com/LucienLassalle/SLE/internal/record"
)

// IsGlob reports whether a path contains a glob metacharacter.
func IsGlob(path string) bool {
	return strings.ContainsAny(path, "*?[")
}

// WatcherFactory constructs and starts one FileWatcher for a concrete
// path, returning a cancel function the manager calls on teardown.
type WatcherFactory func(src record.SourceID, spec config.SourceSpec) (cancel func())

// GlobManager expands glob-patterned SourceSpecs to their current set of
// matching files at startup and every AUTO_RELOAD seconds, reconciling
// the watcher set across reload cycles. fsnotify supplements
// the timer with a fast path: a new file appearing between ticks is
// picked up as soon as its parent directory reports a create event,
// instead of waiting for the next AUTO_RELOAD tick.
type GlobManager struct {
	logger  *logrus.Logger
	factory WatcherFactory
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	sources map[string]config.SourceSpec // pattern -> original spec
	active  map[string]*managedWatcher   // concrete path -> state
	warned  map[string]bool              // pattern -> zero-match warning already emitted
}

type managedWatcher struct {
	pattern    string
	cancel     func()
	missing    int // consecutive reconcile cycles this path was absent
	warnedZero bool
}

// New creates a GlobManager. factory is invoked once per newly discovered
// concrete path.
func New(logger *logrus.Logger, factory WatcherFactory) *GlobManager {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WithError(err).Warn("glob_manager: fsnotify unavailable, falling back to timer-only reconciliation")
		fw = nil
	}
	return &GlobManager{
		logger:  logger,
		factory: factory,
		watcher: fw,
		sources: map[string]config.SourceSpec{},
		active:  map[string]*managedWatcher{},
		warned:  map[string]bool{},
	}
}

// Register adds (or replaces) a glob-patterned source for reconciliation.
// Literal (non-glob) paths are handled by the caller directly; the glob
// manager only ever holds patterns.
func (g *GlobManager) Register(spec config.SourceSpec) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sources[spec.Path] = spec
	if g.watcher != nil {
		dir := globParentDir(spec.Path)
		_ = g.watcher.Add(dir)
	}
}

func globParentDir(pattern string) string {
	dir := pattern
	for IsGlob(dir) {
		dir = filepath.Dir(dir)
	}
	return dir
}

// Run drives periodic reconciliation every interval (0 disables the
// timer; fsnotify-triggered reconciliation still runs when available) and
// blocks until ctx is canceled.
func (g *GlobManager) Run(ctx context.Context, interval time.Duration) {
	g.reconcileAll()

	var tickC <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tickC = ticker.C
	}

	var events <-chan fsnotify.Event
	if g.watcher != nil {
		events = g.watcher.Events
		defer g.watcher.Close()
	}

	for {
		select {
		case <-ctx.Done():
			g.teardownAll()
			return
		case <-tickC:
			g.reconcileAll()
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				g.reconcileAll()
			}
		}
	}
}

func (g *GlobManager) reconcileAll() {
	g.mu.Lock()
	patterns := make([]config.SourceSpec, 0, len(g.sources))
	for _, s := range g.sources {
		patterns = append(patterns, s)
	}
	g.mu.Unlock()

	for _, spec := range patterns {
		g.reconcileOne(spec)
	}

	g.sweepMissing()
}

// reconcileOne expands one pattern and spawns watchers for newly matching
// files. Rate limit and buffer size are per matched file, not shared
// across the pattern: each spawned watcher gets the parent source's
// config verbatim.
func (g *GlobManager) reconcileOne(spec config.SourceSpec) {
	matches, err := filepath.Glob(spec.Path)
	if err != nil {
		g.logger.WithError(err).WithField("pattern", spec.Path).Warn("glob_manager: invalid pattern")
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if len(matches) == 0 {
		if !g.warned[spec.Path] {
			g.warned[spec.Path] = true
			g.logger.WithField("pattern", spec.Path).Warn("glob_manager: pattern matches zero files")
		}
	}

	present := map[string]bool{}
	for _, path := range matches {
		present[path] = true
		if mw, ok := g.active[path]; ok {
			mw.missing = 0
			continue
		}
		src := record.SourceID{Service: spec.Service, Category: spec.Category, Filepath: path}
		matchedSpec := spec
		matchedSpec.Path = path
		cancel := g.factory(src, matchedSpec)
		g.active[path] = &managedWatcher{pattern: spec.Path, cancel: cancel}
		g.logger.WithFields(logrus.Fields{
			"pattern": spec.Path,
			"path":    path,
		}).Info("glob_manager: spawned watcher for newly matched file")
	}

	for path, mw := range g.active {
		if mw.pattern == spec.Path && !present[path] {
			mw.missing++
		}
	}
}

// sweepMissing tears down watchers for paths absent for one full
// reconcile cycle (so an in-place rename during rotation, which briefly
// makes the old path vanish, does not kill the watcher prematurely).
func (g *GlobManager) sweepMissing() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for path, mw := range g.active {
		if mw.missing >= 2 {
			mw.cancel()
			delete(g.active, path)
			g.logger.WithField("path", path).Info("glob_manager: watcher torn down, path absent for a full reload cycle")
		}
	}
}

func (g *GlobManager) teardownAll() {
	g.mu.Lock()
	defer g.mu.Unlock()
	for path, mw := range g.active {
		mw.cancel()
		delete(g.active, path)
	}
}
