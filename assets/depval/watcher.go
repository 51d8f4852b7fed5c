package depval

import (
	"os"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
)

// Watcher is the hot-reload driver: it watches directories containing
// registered file-backed dep-val leaves and calls IncreaseValidationIndex
// on write events, the polled side of "staleness only updates at explicit
// IncreaseValidationIndex calls" (spec.md §4.4 invariants).
type Watcher struct {
	reg     *Registry
	fsw     *fsnotify.Watcher
	dirs    map[string]struct{}
	stopped chan struct{}
}

// NewWatcher wraps an fsnotify.Watcher bound to reg.
func NewWatcher(reg *Registry) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "depval: creating fsnotify watcher")
	}
	return &Watcher{reg: reg, fsw: fsw, dirs: make(map[string]struct{}), stopped: make(chan struct{})}, nil
}

// WatchDir adds a directory to the watch set. Safe to call repeatedly.
func (w *Watcher) WatchDir(dir string) error {
	if _, ok := w.dirs[dir]; ok {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return errors.Wrapf(err, "depval: watching %s", dir)
	}
	w.dirs[dir] = struct{}{}
	return nil
}

// Run processes fsnotify events until Close is called. Intended to run on
// its own goroutine, short-task-pool style.
func (w *Watcher) Run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.reg.InvalidateLiveSnapshot(ev.Name)
			w.handleChange(ev)
		case _, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
		case <-w.stopped:
			return
		}
	}
}

func (w *Watcher) handleChange(ev fsnotify.Event) {
	w.reg.mu.RLock()
	id, ok := w.reg.byFile[ev.Name]
	w.reg.mu.RUnlock()

	if ev.Op&fsnotify.Remove != 0 || ev.Op&fsnotify.Rename != 0 {
		if ok {
			w.reg.RegisterFileDependency(DepVal{reg: w.reg, id: id}, FileSnapshot{Path: ev.Name, State: Missing})
			w.reg.IncreaseValidationIndex(DepVal{reg: w.reg, id: id})
		}
		return
	}

	snap, err := statSnapshot(ev.Name)
	if err != nil {
		return
	}
	if ok {
		w.reg.RegisterFileDependency(DepVal{reg: w.reg, id: id}, snap)
		w.reg.IncreaseValidationIndex(DepVal{reg: w.reg, id: id})
	}
}

// Close stops the watcher goroutine and releases the underlying fsnotify
// handle.
func (w *Watcher) Close() error {
	close(w.stopped)
	return w.fsw.Close()
}

// statSnapshot is the default file-system collaborator (spec.md §6): stat a
// path and translate it into a FileSnapshot.
func statSnapshot(path string) (FileSnapshot, error) {
	info, err := os.Stat(path)
	if os.IsNotExist(err) {
		return FileSnapshot{Path: path, State: Missing}, nil
	}
	if err != nil {
		return FileSnapshot{}, err
	}
	return FileSnapshot{Path: path, State: Normal, Timestamp: uint64(info.ModTime().UnixNano())}, nil
}

// pollInterval is unused by fsnotify directly but documents the bounded
// wait the spec requires of any polling collaborator (§5 Scheduling model).
const pollInterval = 250 * time.Millisecond
