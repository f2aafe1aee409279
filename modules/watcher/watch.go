package watcher

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pdubroy/fswatcher/models"
	"github.com/pdubroy/fswatcher/modules/index"
	"github.com/pdubroy/fswatcher/modules/metrics"
	"github.com/rs/zerolog/log"
)

type State int

const (
	Created State = iota
	Scheduled
	Started
	Destroyed
)

func (s State) String() string {
	switch s {
	case Created:
		return "CREATED"
	case Scheduled:
		return "SCHEDULED"
	case Started:
		return "STARTED"
	case Destroyed:
		return "DESTROYED"
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Watch binds one root directory to a handler, a native handle and the
// index used to turn notifications into change records.
type Watch struct {
	path    string
	handler Handler
	index   *index.DirectoryIndex
	handle  handle

	scheduled bool
	started   bool
	destroyed bool
}

func newWatch(path string, handler Handler) (*Watch, error) {
	idx, err := index.New(path)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(idx.Root())
	if err != nil {
		return nil, fmt.Errorf("failed to stat path: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory", path)
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	return &Watch{
		path:    abs,
		handler: handler,
		index:   idx,
	}, nil
}

// Root returns the watched directory with symlinks resolved.
func (w *Watch) Root() string {
	return w.index.Root()
}

func (w *Watch) State() State {
	switch {
	case w.destroyed:
		return Destroyed
	case w.started:
		return Started
	case w.scheduled:
		return Scheduled
	}
	return Created
}

// open acquires and starts the native handle, then primes the index. The
// stream has to run before the index is built or changes made in between
// would go unnoticed.
func (w *Watch) open(src source) error {
	w.handle = src.newHandle(w)

	// Marked before checking the error so a partial registration is undone.
	err := w.handle.schedule()
	w.scheduled = true
	if err != nil {
		w.destroy()
		return fmt.Errorf("failed to schedule watch for %s: %w", w.Root(), err)
	}

	if err := w.handle.start(); err != nil {
		w.destroy()
		return fmt.Errorf("failed to start watch for %s: %w", w.Root(), err)
	}
	w.started = true
	metrics.ActiveWatches.Inc()

	if err := w.index.Build(); err != nil {
		w.destroy()
		return fmt.Errorf("failed to build index for %s: %w", w.Root(), err)
	}

	return nil
}

// destroy tears the handle down in reverse order. Calling it again, or on a
// watch that never got scheduled, does nothing.
func (w *Watch) destroy() {
	if w.destroyed {
		return
	}
	w.destroyed = true

	if w.started {
		w.handle.stop()
		w.started = false
		metrics.ActiveWatches.Dec()
	}
	if w.scheduled {
		w.handle.unschedule()
		w.scheduled = false
	}
	if w.handle != nil {
		w.handle.release()
		w.handle = nil
	}
}

func (w *Watch) rescan(path string, recursive bool) ([]models.ChangeRecord, error) {
	return w.index.Rescan(path, recursive)
}

// watchNewDirs registers every added directory with the handle and returns
// what was created inside them before the registration took effect.
func (w *Watch) watchNewDirs(changes []models.ChangeRecord) []models.ChangeRecord {
	th, ok := w.handle.(treeHandle)
	if !ok {
		return nil
	}

	var extra []models.ChangeRecord
	for _, c := range changes {
		if c.Kind != models.Added {
			continue
		}

		obj, err := models.NewFsObject(c.Path)
		if err != nil || !obj.IsDir {
			continue
		}

		if err := th.watchTree(c.Path); err != nil {
			log.Warn().Err(err).Str("dir", c.Path).Msg("failed to watch new directory")
			continue
		}

		more, err := w.rescan(c.Path, true)
		if err != nil {
			log.Error().Caller().Err(err).Str("dir", c.Path).Msg("failed to rescan new directory")
			continue
		}
		extra = append(extra, more...)
	}

	return extra
}
