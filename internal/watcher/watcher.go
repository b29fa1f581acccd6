// Package watcher turns native filesystem notifications into change events.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"ransomwatch/internal/events"
	"ransomwatch/internal/scan"
)

// Watcher watches a directory tree with fsnotify. Subdirectories are added
// when the watcher starts and whenever one is created, down to the
// configured depth.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	root      string
	maxDepth  int
	ignore    scan.IgnoreSet
	now       func() time.Time

	// Watched directories -> depth below root
	watched   map[string]int
	watchedMu sync.Mutex

	events chan events.Event
	errors chan error

	// Control
	done      chan struct{}
	closeOnce sync.Once
	startOnce sync.Once
	wg        sync.WaitGroup
}

// New creates a watcher over root. A negative maxDepth watches the whole
// tree.
func New(root string, maxDepth int, ignore scan.IgnoreSet) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watcher: %w", err)
	}

	return &Watcher{
		fsWatcher: fsWatcher,
		root:      root,
		maxDepth:  maxDepth,
		ignore:    ignore,
		now:       time.Now,
		watched:   make(map[string]int),
		events:    make(chan events.Event, 256),
		errors:    make(chan error, 16),
		done:      make(chan struct{}),
	}, nil
}

// Events returns the channel of change events.
func (w *Watcher) Events() <-chan events.Event {
	return w.events
}

// Errors returns the channel of errors.
func (w *Watcher) Errors() <-chan error {
	return w.errors
}

// Start adds the tree and begins delivering events.
func (w *Watcher) Start(ctx context.Context) error {
	err := errors.New("watcher: already started")
	w.startOnce.Do(func() {
		err = w.start(ctx)
	})
	return err
}

func (w *Watcher) start(ctx context.Context) error {
	absRoot, err := filepath.Abs(w.root)
	if err != nil {
		return err
	}
	info, err := os.Stat(absRoot)
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}
	if !info.IsDir() {
		return fmt.Errorf("watcher: %s is not a directory", absRoot)
	}
	w.root = absRoot

	if err := w.fsWatcher.Add(absRoot); err != nil {
		return fmt.Errorf("watcher: add %s: %w", absRoot, err)
	}
	w.setWatched(absRoot, 0)
	w.addTree(absRoot, 0)

	w.wg.Add(1)
	go w.eventLoop(ctx)
	return nil
}

// Close stops the watcher. Events is closed once the loop exits.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() {
		close(w.done)
		err = w.fsWatcher.Close()
		w.wg.Wait()
	})
	return err
}

// Root returns the absolute watched root once started.
func (w *Watcher) Root() string {
	return w.root
}

// watchedDirs returns the watched directories in lexical order.
func (w *Watcher) watchedDirs() []string {
	w.watchedMu.Lock()
	defer w.watchedMu.Unlock()
	dirs := make([]string, 0, len(w.watched))
	for d := range w.watched {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs
}

func (w *Watcher) setWatched(dir string, depth int) {
	w.watchedMu.Lock()
	w.watched[dir] = depth
	w.watchedMu.Unlock()
}

func (w *Watcher) depthOf(dir string) (int, bool) {
	w.watchedMu.Lock()
	defer w.watchedMu.Unlock()
	d, ok := w.watched[dir]
	return d, ok
}

func (w *Watcher) forget(path string) {
	w.watchedMu.Lock()
	defer w.watchedMu.Unlock()
	prefix := path + string(filepath.Separator)
	for d := range w.watched {
		if d == path || len(d) > len(prefix) && d[:len(prefix)] == prefix {
			delete(w.watched, d)
		}
	}
}

func (w *Watcher) allowed(depth int) bool {
	return w.maxDepth < 0 || depth <= w.maxDepth
}

// addTree watches the subdirectories of dir, which sits at depth.
func (w *Watcher) addTree(dir string, depth int) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		w.report(fmt.Errorf("watcher: read %s: %w", dir, err))
		return
	}
	for _, entry := range entries {
		if !entry.IsDir() || w.ignore.Contains(entry.Name()) {
			continue
		}
		w.addDir(filepath.Join(dir, entry.Name()), depth+1)
	}
}

func (w *Watcher) addDir(dir string, depth int) {
	if !w.allowed(depth) {
		return
	}
	if _, ok := w.depthOf(dir); ok {
		return
	}
	if err := w.fsWatcher.Add(dir); err != nil {
		w.report(fmt.Errorf("watcher: add %s: %w", dir, err))
		return
	}
	w.setWatched(dir, depth)
	w.addTree(dir, depth)
}

// eventLoop handles fsnotify events.
func (w *Watcher) eventLoop(ctx context.Context) {
	defer w.wg.Done()
	defer close(w.events)

	for {
		select {
		case <-w.done:
			return

		case <-ctx.Done():
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if w.ignoredPath(event.Name) {
				continue
			}

			kind, ok := mapOp(event.Op)
			if !ok {
				continue
			}

			switch kind {
			case events.KindCreate:
				w.maybeAddDir(event.Name)
			case events.KindDelete, events.KindRenameOut:
				w.forget(event.Name)
			}

			ev := events.Event{Time: w.now(), Kind: kind, Path: event.Name}
			select {
			case w.events <- ev:
			case <-w.done:
				return
			case <-ctx.Done():
				return
			}

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.report(err)
		}
	}
}

// maybeAddDir starts watching a newly created directory.
func (w *Watcher) maybeAddDir(path string) {
	info, err := os.Lstat(path)
	if err != nil || info.Mode()&fs.ModeType != fs.ModeDir {
		return
	}
	parentDepth, ok := w.depthOf(filepath.Dir(path))
	if !ok {
		return
	}
	w.addDir(path, parentDepth+1)
}

// ignoredPath reports whether any component below root is ignored.
func (w *Watcher) ignoredPath(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(filepath.ToSlash(rel), "/") {
		if w.ignore.Contains(part) {
			return true
		}
	}
	return false
}

func (w *Watcher) report(err error) {
	select {
	case w.errors <- err:
	default:
	}
}

// mapOp picks the most significant kind from an fsnotify op set.
func mapOp(op fsnotify.Op) (events.Kind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return events.KindCreate, true
	case op.Has(fsnotify.Remove):
		return events.KindDelete, true
	case op.Has(fsnotify.Rename):
		return events.KindRenameOut, true
	case op.Has(fsnotify.Write):
		return events.KindModify, true
	case op.Has(fsnotify.Chmod):
		return events.KindAttributeChange, true
	default:
		return "", false
	}
}
