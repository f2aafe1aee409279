package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/pdubroy/fswatcher/modules/metrics"
	"github.com/rs/zerolog/log"
)

// portableSource watches every directory of every root through a single
// fsnotify watcher. Like inotify it only covers directories it was told
// about.
type portableSource struct {
	fsw     *fsnotify.Watcher
	latency time.Duration
	dirs    map[string][]*Watch
	wakeCh  chan struct{}
	closed  chan struct{}
}

func newPortableSource(opts Options) (source, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	return &portableSource{
		fsw:     fsw,
		latency: opts.Latency,
		dirs:    make(map[string][]*Watch),
		wakeCh:  make(chan struct{}, 1),
		closed:  make(chan struct{}),
	}, nil
}

func (s *portableSource) newHandle(w *Watch) handle {
	return &portableHandle{src: s, watch: w}
}

func (s *portableSource) window() time.Duration {
	return s.latency
}

func (s *portableSource) wait(timeout time.Duration) ([]trigger, error) {
	var timer <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case event, ok := <-s.fsw.Events:
		if !ok {
			return nil, ErrWatcherClosed
		}
		ts := s.resolve(event)
		// Everything already queued belongs to the same batch
		for {
			select {
			case event, ok := <-s.fsw.Events:
				if !ok {
					return ts, nil
				}
				ts = append(ts, s.resolve(event)...)
			default:
				return ts, nil
			}
		}
	case err, ok := <-s.fsw.Errors:
		if !ok {
			return nil, ErrWatcherClosed
		}
		return s.handleError(err), nil
	case <-s.wakeCh:
		return nil, nil
	case <-timer:
		return nil, nil
	}
}

func (s *portableSource) resolve(event fsnotify.Event) []trigger {
	dir := filepath.Dir(event.Name)

	ws, ok := s.dirs[dir]
	if !ok {
		// Events on a watched directory itself
		dir = event.Name
		ws = s.dirs[dir]
	}

	if event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename) {
		if _, watched := s.dirs[event.Name]; watched {
			// fsnotify drops the watch on its own
			delete(s.dirs, event.Name)
		}
	}

	var ts []trigger
	for _, w := range ws {
		path := dir
		if !w.index.Contains(path) {
			path = w.Root()
		}
		ts = append(ts, trigger{watch: w, path: path, recursive: true})
	}
	return ts
}

func (s *portableSource) handleError(err error) []trigger {
	if !errors.Is(err, fsnotify.ErrEventOverflow) {
		metrics.SourceErrors.Inc()
		log.Warn().Err(err).Msg("fsnotify reported an error")
		return nil
	}

	log.Warn().Msg("fsnotify queue overflowed, rescanning all watches")

	seen := make(map[*Watch]struct{})
	var ts []trigger
	for _, ws := range s.dirs {
		for _, w := range ws {
			if _, ok := seen[w]; ok {
				continue
			}
			seen[w] = struct{}{}
			ts = append(ts, trigger{watch: w, path: w.Root(), recursive: true})
		}
	}
	return ts
}

func (s *portableSource) wake() error {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

func (s *portableSource) close() error {
	select {
	case <-s.closed:
		return nil
	default:
	}
	close(s.closed)

	return s.fsw.Close()
}

type portableHandle struct {
	src   *portableSource
	watch *Watch
	dirs  map[string]struct{}
}

func (h *portableHandle) schedule() error {
	h.dirs = make(map[string]struct{})
	return h.watchTree(h.watch.Root())
}

func (h *portableHandle) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			// Directories removed during the walk are simply skipped
			if !errors.Is(err, fs.ErrNotExist) {
				log.Warn().Err(err).Str("dir", path).Msg("skipping unreadable directory")
			}
			if entry != nil && entry.IsDir() {
				return fs.SkipDir
			}
			return nil
		}

		if !entry.IsDir() {
			return nil
		}

		if err := h.add(path); err != nil {
			if path == dir {
				return err
			}
			log.Warn().Err(err).Str("dir", path).Msg("skipping directory")
			return fs.SkipDir
		}
		return nil
	})
}

func (h *portableHandle) add(dir string) error {
	ws := h.src.dirs[dir]
	for _, w := range ws {
		if w == h.watch {
			return nil
		}
	}

	if len(ws) == 0 {
		err := h.src.fsw.Add(dir)
		if err != nil {
			return fmt.Errorf("failed to add watch for %s: %w", dir, err)
		}
	}

	h.src.dirs[dir] = append(h.src.dirs[dir], h.watch)
	h.dirs[dir] = struct{}{}

	return nil
}

func (h *portableHandle) start() error {
	return nil
}

func (h *portableHandle) stop() {}

func (h *portableHandle) unschedule() {
	for dir := range h.dirs {
		ws, ok := h.src.dirs[dir]
		if !ok {
			continue
		}

		kept := ws[:0]
		for _, w := range ws {
			if w != h.watch {
				kept = append(kept, w)
			}
		}

		if len(kept) > 0 {
			h.src.dirs[dir] = kept
			continue
		}

		delete(h.src.dirs, dir)
		if err := h.src.fsw.Remove(dir); err != nil {
			log.Debug().Err(err).Str("dir", dir).Msg("failed to remove fsnotify watch")
		}
	}

	h.dirs = nil
}

func (h *portableHandle) release() {
	h.dirs = nil
}
