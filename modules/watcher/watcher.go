// Package watcher reports files and directories that are added, modified or
// removed below a set of watched roots.
//
// Platform notifications only say that something changed somewhere; every
// notification is turned into a rescan of the affected directory and the
// differences to the last snapshot are handed to the watch's Handler.
//
// A Watcher runs a single loop on the goroutine that calls Watch or
// NextChange. Apart from StopWatching its methods must be called from that
// goroutine, handlers included, or while no loop is running.
package watcher

import (
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pdubroy/fswatcher/models"
	"github.com/pdubroy/fswatcher/modules/metrics"
	"github.com/rs/zerolog/log"
)

var (
	ErrNoMatchingWatch = errors.New("no matching watch")
	ErrWatcherClosed   = errors.New("watcher is closed")
)

type Watcher struct {
	src      source
	opts     Options
	registry registry
	queue    Handler
	changes  []models.ChangeRecord
	stopping atomic.Bool
	closed   bool

	// beforeWait runs every time the loop is about to block.
	beforeWait func()
}

func New(opts Options) (*Watcher, error) {
	opts = opts.withDefaults()
	log.Debug().Str("backend", string(opts.Backend)).Dur("latency", opts.Latency).Msg("creating watcher")

	src, err := newSource(opts)
	if err != nil {
		return nil, err
	}

	return newWatcher(src, opts), nil
}

func newWatcher(src source, opts Options) *Watcher {
	w := &Watcher{
		src:  src,
		opts: opts,
	}
	w.queue = &queueHandler{w: w}
	return w
}

// Open returns a Watcher whose changes for all paths are buffered for
// NextChange and GetChanges.
func Open(paths []string, opts Options) (*Watcher, error) {
	w, err := New(opts)
	if err != nil {
		return nil, err
	}

	for _, p := range paths {
		if err := w.AddWatch(p, nil); err != nil {
			_ = w.Close()
			return nil, err
		}
	}

	return w, nil
}

// AddWatch starts watching the directory at path. Changes go to handler,
// or to the internal queue if handler is nil.
func (w *Watcher) AddWatch(path string, handler Handler) error {
	if w.closed {
		return ErrWatcherClosed
	}
	if handler == nil {
		handler = w.queue
	}

	wa, err := newWatch(path, handler)
	if err != nil {
		return fmt.Errorf("failed to add watch: %w", err)
	}

	if err := wa.open(w.src); err != nil {
		return err
	}

	w.registry.add(wa)
	log.Info().Str("path", wa.Root()).Msg("added watch")

	return nil
}

// RemoveWatch destroys every watch registered for path and handler.
// Changes still pending for them are dropped.
func (w *Watcher) RemoveWatch(path string, handler Handler) error {
	if handler == nil {
		handler = w.queue
	}

	taken := w.registry.take(path, handler)
	if len(taken) == 0 {
		return fmt.Errorf("%w for %s", ErrNoMatchingWatch, path)
	}

	for _, wa := range taken {
		wa.destroy()
		log.Info().Str("path", wa.Root()).Msg("removed watch")
	}

	return nil
}

// Watch dispatches changes until StopWatching is called or timeout elapses.
// A zero timeout waits indefinitely.
func (w *Watcher) Watch(timeout time.Duration) error {
	return w.run(timeout, nil)
}

// StopWatching makes the running loop return once the current dispatch is
// finished. It may be called from a handler or from another goroutine. If no
// loop is running the next one returns right away.
func (w *Watcher) StopWatching() {
	w.stopping.Store(true)
	if err := w.src.wake(); err != nil {
		log.Debug().Err(err).Msg("failed to wake watcher")
	}
}

// IndexSize returns the number of entries indexed over all watches.
func (w *Watcher) IndexSize() int {
	n := 0
	for _, wa := range w.registry.watches {
		n += wa.index.Size()
	}
	return n
}

// Close destroys all watches and releases the notification source. It is
// safe to call more than once.
func (w *Watcher) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	for _, wa := range w.registry.all() {
		wa.destroy()
	}
	w.registry.reset()
	w.changes = nil

	if err := w.src.close(); err != nil {
		return fmt.Errorf("failed to close notification source: %w", err)
	}
	return nil
}

// run drives the loop until a stop is requested, done reports true or the
// timeout elapses.
func (w *Watcher) run(timeout time.Duration, done func() bool) error {
	if w.closed {
		return ErrWatcherClosed
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		if w.beforeWait != nil {
			w.beforeWait()
		}

		if w.stopping.CompareAndSwap(true, false) {
			return nil
		}
		if done != nil && done() {
			return nil
		}

		remaining := time.Duration(-1)
		if !deadline.IsZero() {
			remaining = time.Until(deadline)
			if remaining <= 0 {
				return nil
			}
		}

		triggers, err := w.src.wait(remaining)
		if err != nil {
			metrics.SourceErrors.Inc()
			return err
		}
		if len(triggers) == 0 {
			continue
		}

		triggers, err = w.coalesce(triggers, deadline)
		if err != nil {
			metrics.SourceErrors.Inc()
			return err
		}

		w.dispatch(triggers)
	}
}

// coalesce keeps collecting triggers for the source's window. A wake-up or
// the deadline ends the window early.
func (w *Watcher) coalesce(first []trigger, deadline time.Time) ([]trigger, error) {
	d := newDebouncer()
	d.add(first...)

	if win := w.src.window(); win > 0 {
		end := time.Now().Add(win)
		if !deadline.IsZero() && deadline.Before(end) {
			end = deadline
		}

		for !w.stopping.Load() {
			left := time.Until(end)
			if left <= 0 {
				break
			}

			more, err := w.src.wait(left)
			if err != nil {
				return nil, err
			}
			if len(more) == 0 {
				break
			}
			d.add(more...)
		}
	}

	return d.flush(), nil
}

func (w *Watcher) dispatch(triggers []trigger) {
	for _, t := range triggers {
		// Removed by an earlier handler of this batch
		if t.watch.State() != Started {
			continue
		}

		changes, err := t.watch.rescan(t.path, t.recursive)
		if err != nil {
			log.Error().Caller().Err(err).Str("path", t.path).Msg("failed to rescan")
			continue
		}

		if w.opts.WatchNewDirs {
			changes = append(changes, t.watch.watchNewDirs(changes)...)
		}

		for _, c := range changes {
			if t.watch.State() != Started {
				break
			}

			metrics.Changes.WithLabelValues(c.Kind.String()).Inc()
			log.Debug().Str("path", c.Path).Stringer("kind", c.Kind).Msg("change detected")

			t.watch.handler.HandleChange(c.Path, c.Kind)
		}
	}
}
