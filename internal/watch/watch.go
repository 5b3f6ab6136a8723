// Package watch rebuilds a document when files in its dependency
// closure change. Events are debounced per path so editor save bursts
// trigger one build, and the watch set is re-scanned after every
// successful build so newly added inputs get covered.
package watch

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"texmill/internal/builder"
	"texmill/internal/config"
	"texmill/internal/deps"
	"texmill/internal/logging"
)

// Stats tracks watcher activity.
type Stats struct {
	EventsSeen      int
	BuildsTriggered int
	BuildFailures   int
	Errors          int
	LastEventTime   time.Time
	LastEventPath   string
	LastBuildTime   time.Time
}

// Watcher rebuilds one document on filesystem changes.
type Watcher struct {
	// OnBuild, when set before Start, is called after every triggered
	// build with its result.
	OnBuild func(*builder.BuildResult, error)

	builder  *builder.Builder
	srcPath  string
	debounce time.Duration
	extra    []string

	mu          sync.RWMutex
	fsw         *fsnotify.Watcher
	graph       *deps.Graph
	watchedDirs []string
	debounceMap map[string]time.Time
	stopCh      chan struct{}
	doneCh      chan struct{}
	running     bool
	stats       Stats
}

// New creates a watcher for the document. Nothing is watched until
// Start is called.
func New(b *builder.Builder, srcPath string, cfg *config.Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		builder:     b,
		srcPath:     srcPath,
		debounce:    cfg.WatchDebounce(),
		extra:       cfg.Watch.Extra,
		fsw:         fsw,
		debounceMap: make(map[string]time.Time),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
	}, nil
}

// Start scans the dependency closure, registers its directories and
// begins watching in a goroutine. Calling Start on a running watcher
// is a no-op.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	w.rescan()
	logging.Audit(logging.AuditEvent{
		EventType: logging.AuditWatchStart,
		Document:  w.srcPath,
		Success:   true,
	})

	go w.run(ctx)
	return nil
}

// Stop halts the watcher and waits for the event loop to drain. A
// stopped watcher cannot be restarted.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopCh)
	<-w.doneCh

	if err := w.fsw.Close(); err != nil {
		logging.WatchError("failed to close watcher: %v", err)
	}
	logging.Audit(logging.AuditEvent{
		EventType: logging.AuditWatchStop,
		Document:  w.srcPath,
		Success:   true,
	})
	logging.Watch("stopped watching %s", w.srcPath)
}

// IsWatching reports whether the event loop is running.
func (w *Watcher) IsWatching() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.running
}

// GetStats returns a copy of the current statistics.
func (w *Watcher) GetStats() Stats {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.stats
}

// WatchedDirs returns the directories currently registered.
func (w *Watcher) WatchedDirs() []string {
	return w.fsw.WatchList()
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	// The ticker flushes events that have settled past the debounce
	// window; a per-event timer would reset on every editor write.
	flush := time.NewTicker(100 * time.Millisecond)
	defer flush.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Watch("context cancelled")
			return

		case <-w.stopCh:
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			logging.WatchError("watch error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-flush.C:
			w.flushSettled(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if !relevant(w.graph, event.Name) {
		return
	}
	logging.WatchDebug("%s: %s", event.Op, event.Name)
	w.stats.EventsSeen++
	w.stats.LastEventTime = time.Now()
	w.stats.LastEventPath = event.Name
	w.debounceMap[event.Name] = time.Now()
}

// flushSettled rebuilds once when any path has been quiet for the full
// debounce window.
func (w *Watcher) flushSettled(ctx context.Context) {
	w.mu.Lock()
	now := time.Now()
	var settled []string
	for path, eventTime := range w.debounceMap {
		if now.Sub(eventTime) >= w.debounce {
			settled = append(settled, path)
			delete(w.debounceMap, path)
		}
	}
	w.mu.Unlock()

	if len(settled) == 0 {
		return
	}
	logging.Watch("%d changed paths, rebuilding %s", len(settled), filepath.Base(w.srcPath))
	logging.Audit(logging.AuditEvent{
		EventType: logging.AuditWatchTrigger,
		Document:  w.srcPath,
		Success:   true,
		Message:   strings.Join(settled, " "),
	})

	w.mu.Lock()
	w.stats.BuildsTriggered++
	w.stats.LastBuildTime = time.Now()
	w.mu.Unlock()

	result, err := w.builder.Build(ctx, w.srcPath)
	if err != nil {
		logging.WatchWarn("rebuild failed: %v", err)
		w.mu.Lock()
		w.stats.BuildFailures++
		w.mu.Unlock()
	} else if !result.Skipped {
		// New inputs may have appeared; refresh the watch set.
		w.rescan()
	}
	if w.OnBuild != nil {
		w.OnBuild(result, err)
	}
}

// rescan resolves the document again and reconciles the registered
// directories with the current dependency closure.
func (w *Watcher) rescan() {
	doc, err := w.builder.Resolve(w.srcPath)
	if err != nil {
		logging.WatchWarn("failed to scan %s: %v", w.srcPath, err)
		return
	}

	dirs := doc.Graph.Dirs()
	for _, extra := range w.extra {
		if !filepath.IsAbs(extra) {
			extra = filepath.Join(doc.WorkDir, extra)
		}
		dirs = append(dirs, extra)
	}

	w.mu.Lock()
	w.graph = doc.Graph
	old := w.watchedDirs
	w.watchedDirs = dirs
	w.mu.Unlock()

	for _, dir := range dirs {
		if containsDir(old, dir) {
			continue
		}
		if err := w.fsw.Add(dir); err != nil {
			logging.WatchWarn("cannot watch %s: %v", dir, err)
		} else {
			logging.Watch("watching %s", dir)
		}
	}
	for _, dir := range old {
		if !containsDir(dirs, dir) {
			if err := w.fsw.Remove(dir); err == nil {
				logging.WatchDebug("unwatched %s", dir)
			}
		}
	}
}

// Suffixes that always count as sources. Graphics are deliberately
// absent: a .pdf event may be our own product, so graphics only count
// when the dependency graph knows them.
var sourceSuffixes = map[string]bool{
	".tex": true,
	".bib": true,
	".bst": true,
	".sty": true,
	".cls": true,
}

// relevant decides whether a changed path should trigger a rebuild.
func relevant(g *deps.Graph, path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if sourceSuffixes[ext] {
		return true
	}
	if g == nil {
		return false
	}
	if g.Contains(path) {
		return true
	}
	// A file filling a previously missing reference is a source too.
	slash := filepath.ToSlash(path)
	stem := strings.TrimSuffix(slash, ext)
	for _, m := range g.Missing {
		mm := filepath.ToSlash(m)
		if stem == mm || strings.HasSuffix(stem, "/"+mm) ||
			slash == mm || strings.HasSuffix(slash, "/"+mm) {
			return true
		}
	}
	return false
}

func containsDir(dirs []string, dir string) bool {
	for _, d := range dirs {
		if d == dir {
			return true
		}
	}
	return false
}
