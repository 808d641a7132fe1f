// Package watcher turns file system events under a project's document and
// session roots into debounced batches of changed canonical paths.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"pmdash/internal/config"
	"pmdash/internal/paths"
	"pmdash/internal/project"
)

// EventType represents the type of file system event
type EventType int

const (
	EventCreate EventType = iota
	EventModify
	EventDelete
	EventRename
)

// Event is one change to a canonical path.
type Event struct {
	Type      EventType
	Path      string
	Timestamp time.Time
}

// String returns a string representation of the event type
func (e EventType) String() string {
	switch e {
	case EventCreate:
		return "create"
	case EventModify:
		return "modify"
	case EventDelete:
		return "delete"
	case EventRename:
		return "rename"
	default:
		return "unknown"
	}
}

// ChangeHandler receives the sorted canonical paths of one debounced batch.
type ChangeHandler func(paths []string)

// Stats returns watcher counters.
type Stats struct {
	Enabled     bool `json:"enabled"`
	WatchedDirs int  `json:"watchedDirs"`
	Events      int  `json:"events"`
	Batches     int  `json:"batches"`
	Errors      int  `json:"errors"`
	DebounceMs  int  `json:"debounceMs"`
}

// Watcher watches the project's document, progress and session roots.
type Watcher struct {
	project *project.Project
	config  config.WatcherConfig
	logger  *slog.Logger
	handler ChangeHandler
	fsw     *fsnotify.Watcher
	batch   *BatchDebouncer

	mu    sync.Mutex
	dirs  map[string]bool
	stats Stats
}

// New creates a watcher. Nothing is watched until Run.
func New(p *project.Project, cfg config.WatcherConfig, logger *slog.Logger, handler ChangeHandler) (*Watcher, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		project: p,
		config:  cfg,
		logger:  logger.With("component", "watcher"),
		handler: handler,
		fsw:     fsw,
		dirs:    make(map[string]bool),
	}
	w.stats.Enabled = cfg.Enabled
	w.stats.DebounceMs = cfg.DebounceMs
	w.batch = NewBatchDebouncer(time.Duration(cfg.DebounceMs)*time.Millisecond, w.emit)
	return w, nil
}

// Run watches until ctx is done. Pending changes that have not been emitted
// when ctx ends are dropped; the next sync picks them up. A batch already
// handed to the handler is waited for before Run returns.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() {
		w.batch.Stop()
		_ = w.fsw.Close()
	}()

	if !w.config.Enabled {
		w.logger.Info("File watcher is disabled")
		return nil
	}

	for _, root := range w.roots() {
		full := paths.JoinRoot(w.project.Root, root)
		if _, err := os.Stat(full); err != nil {
			w.logger.Debug("Skipping missing root", "root", root)
			continue
		}
		if err := w.addTree(full, false); err != nil {
			return err
		}
	}

	w.logger.Info("Starting file watcher", "dirs", len(w.WatchedDirs()), "debounceMs", w.config.DebounceMs)

	for {
		select {
		case <-ctx.Done():
			if n := w.batch.EventCount(); n > 0 {
				w.logger.Info("Dropping pending changes", "paths", n)
			}
			w.batch.Stop()
			w.logger.Info("File watcher stopped")
			return nil
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
			w.logger.Warn("Watcher error", "error", err)
		}
	}
}

func (w *Watcher) roots() []string {
	roots := append(w.project.AllDocRoots(), w.project.SessionRoots...)
	sort.Strings(roots)
	return roots
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	canonical, err := paths.Canonicalize(ev.Name, w.project.Root)
	if err != nil || w.IsIgnored(canonical) {
		return
	}

	if ev.Has(fsnotify.Create) {
		if fi, err := os.Stat(ev.Name); err == nil && fi.IsDir() {
			if err := w.addTree(ev.Name, true); err != nil {
				w.logger.Warn("Failed to watch new directory", "path", canonical, "error", err)
			}
			return
		}
	}
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		w.mu.Lock()
		delete(w.dirs, canonical)
		w.mu.Unlock()
	}

	var typ EventType
	switch {
	case ev.Has(fsnotify.Create):
		typ = EventCreate
	case ev.Has(fsnotify.Write):
		typ = EventModify
	case ev.Has(fsnotify.Remove):
		typ = EventDelete
	case ev.Has(fsnotify.Rename):
		typ = EventRename
	default:
		return
	}
	w.queue(Event{Type: typ, Path: canonical, Timestamp: time.Now()})
}

// queue adds a relevant path to the pending batch.
func (w *Watcher) queue(ev Event) {
	if !w.project.IsDocumentPath(ev.Path) && !w.project.IsSessionPath(ev.Path) {
		return
	}
	w.mu.Lock()
	w.stats.Events++
	w.mu.Unlock()
	w.logger.Debug("Change detected", "path", ev.Path, "type", ev.Type.String())
	w.batch.Add(ev)
}

// addTree watches dir and every non-ignored directory below it. Files found
// in a directory created after startup are queued as creations.
func (w *Watcher) addTree(dir string, queueFiles bool) error {
	return filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		canonical, cerr := paths.Canonicalize(p, w.project.Root)
		if cerr != nil {
			return nil
		}
		if w.IsIgnored(canonical) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			if queueFiles {
				w.queue(Event{Type: EventCreate, Path: canonical, Timestamp: time.Now()})
			}
			return nil
		}

		w.mu.Lock()
		seen := w.dirs[canonical]
		w.mu.Unlock()
		if seen {
			return nil
		}
		if err := w.fsw.Add(p); err != nil {
			return err
		}
		w.mu.Lock()
		w.dirs[canonical] = true
		w.mu.Unlock()
		return nil
	})
}

// Retry queues paths again, for a batch the handler could not process.
func (w *Watcher) Retry(changed []string) {
	for _, p := range changed {
		w.batch.Add(Event{Type: EventModify, Path: p, Timestamp: time.Now()})
	}
}

func (w *Watcher) emit(events []Event) {
	changed := make([]string, 0, len(events))
	for _, ev := range events {
		changed = append(changed, ev.Path)
	}
	w.mu.Lock()
	w.stats.Batches++
	w.mu.Unlock()

	w.logger.Info("Changes settled", "paths", len(changed))
	if w.handler != nil {
		w.handler(changed)
	}
}

// IsIgnored checks a canonical path against the ignore patterns. "dir/**"
// matches dir and everything below it; other patterns match the whole path
// or its base name.
func (w *Watcher) IsIgnored(canonical string) bool {
	base := path.Base(canonical)
	for _, pattern := range w.config.IgnorePatterns {
		if prefix, ok := strings.CutSuffix(pattern, "/**"); ok {
			if canonical == prefix || strings.HasPrefix(canonical, prefix+"/") {
				return true
			}
			continue
		}
		if matched, _ := path.Match(pattern, canonical); matched {
			return true
		}
		if matched, _ := path.Match(pattern, base); matched {
			return true
		}
	}
	return false
}

// WatchedDirs returns the canonical directories being watched.
func (w *Watcher) WatchedDirs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()

	dirs := make([]string, 0, len(w.dirs))
	for d := range w.dirs {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

// Stats returns watcher statistics
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	st := w.stats
	st.WatchedDirs = len(w.dirs)
	return st
}
