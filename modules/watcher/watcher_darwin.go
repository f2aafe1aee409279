//go:build darwin

package watcher

import (
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsevents"
	"github.com/rs/zerolog/log"
)

func newNativeSource(opts Options) (source, error) {
	return newStreamSource(opts), nil
}

// streamSource runs one event stream per watch. FSEvents batches by itself
// for the configured latency, so the loop does not coalesce further.
type streamSource struct {
	latency  time.Duration
	triggers chan []trigger
	wakeCh   chan struct{}

	closeOnce sync.Once
	closed    chan struct{}
}

func newStreamSource(opts Options) *streamSource {
	return &streamSource{
		latency:  opts.Latency,
		triggers: make(chan []trigger, 64),
		wakeCh:   make(chan struct{}, 1),
		closed:   make(chan struct{}),
	}
}

func (s *streamSource) newHandle(w *Watch) handle {
	return &streamHandle{src: s, watch: w}
}

func (s *streamSource) window() time.Duration {
	return 0
}

func (s *streamSource) wait(timeout time.Duration) ([]trigger, error) {
	var timer <-chan time.Time
	if timeout >= 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case ts := <-s.triggers:
		// Pick up whatever else is already pending
		for {
			select {
			case more := <-s.triggers:
				ts = append(ts, more...)
			default:
				return ts, nil
			}
		}
	case <-s.wakeCh:
		return nil, nil
	case <-timer:
		return nil, nil
	case <-s.closed:
		return nil, ErrWatcherClosed
	}
}

func (s *streamSource) wake() error {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

func (s *streamSource) close() error {
	s.closeOnce.Do(func() {
		close(s.closed)
	})
	return nil
}

type streamHandle struct {
	src    *streamSource
	watch  *Watch
	stream *fsevents.EventStream
	done   chan struct{}
}

func (h *streamHandle) schedule() error {
	h.stream = &fsevents.EventStream{
		Paths:   []string{h.watch.Root()},
		Latency: h.src.latency,
		Flags:   fsevents.FileEvents | fsevents.WatchRoot,
	}
	h.done = make(chan struct{})
	return nil
}

func (h *streamHandle) start() error {
	err := h.stream.Start()
	if err != nil {
		return err
	}

	go h.forward(h.stream.Events, h.done)

	return nil
}

// forward turns each batch of the stream into triggers until the handle is
// unscheduled.
func (h *streamHandle) forward(events <-chan []fsevents.Event, done <-chan struct{}) {
	for {
		select {
		case msg, ok := <-events:
			if !ok {
				return
			}

			ts := h.resolve(msg)
			if len(ts) == 0 {
				continue
			}

			select {
			case h.src.triggers <- ts:
			case <-done:
				return
			case <-h.src.closed:
				return
			}
		case <-done:
			return
		}
	}
}

// resolve maps each event to a rescan of the directory holding the reported
// path. File events only need that directory, so it is scanned without
// recursion. Directory events rescan the parent recursively since a moved in
// tree brings no events for its contents, and MustScanSubDirs or RootChanged
// rescan the whole root.
func (h *streamHandle) resolve(msg []fsevents.Event) []trigger {
	root := h.watch.Root()
	var ts []trigger

	for _, event := range msg {
		path := filepath.Dir(event.Path)
		recursive := false

		switch {
		case event.Flags&(fsevents.MustScanSubDirs|fsevents.RootChanged) != 0:
			log.Debug().Str("path", event.Path).Msg("event stream requested full rescan")
			path = root
			recursive = true
		case event.Flags&fsevents.ItemIsDir != 0:
			// A directory moved in brings its contents along without further events
			recursive = true
		}

		if !h.watch.index.Contains(path) {
			path = root
		}

		ts = append(ts, trigger{watch: h.watch, path: path, recursive: recursive})
	}

	return ts
}

func (h *streamHandle) stop() {
	if h.stream != nil {
		h.stream.Stop()
	}
}

func (h *streamHandle) unschedule() {
	if h.done != nil {
		close(h.done)
		h.done = nil
	}
}

func (h *streamHandle) release() {
	h.stream = nil
}
