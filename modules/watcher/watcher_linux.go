//go:build linux

package watcher

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

const (
	InitFlags = unix.IN_CLOEXEC |
		unix.IN_NONBLOCK
	WakeFlags = unix.EFD_CLOEXEC |
		unix.EFD_NONBLOCK
	// Creation, removal and moves name the entries that changed. Attribute and
	// content changes are needed to notice modifications of existing files.
	WatchMask = unix.IN_CREATE |
		unix.IN_DELETE |
		unix.IN_MOVED_FROM |
		unix.IN_MOVED_TO |
		unix.IN_ATTRIB |
		unix.IN_MODIFY |
		unix.IN_DELETE_SELF |
		unix.IN_ONLYDIR
)

func newNativeSource(opts Options) (source, error) {
	return newInotifySource(opts)
}

// inotifySource owns one inotify descriptor for all watches of a Watcher
// and an eventfd used to interrupt the poll.
type inotifySource struct {
	fd      int
	wakeFd  int
	latency time.Duration

	// The kernel hands out one descriptor per inode, so watches on the same
	// directory share it.
	wds map[int32][]*Watch
	buf []byte

	mu     sync.Mutex // protects closed and the descriptors against wake
	closed bool
}

func newInotifySource(opts Options) (*inotifySource, error) {
	fd, err := unix.InotifyInit1(InitFlags)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize inotify: %w", err)
	}

	wakeFd, err := unix.Eventfd(0, WakeFlags)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("failed to create wake descriptor: %w", err)
	}

	return &inotifySource{
		fd:      fd,
		wakeFd:  wakeFd,
		latency: opts.Latency,
		wds:     make(map[int32][]*Watch),
	}, nil
}

func (s *inotifySource) newHandle(w *Watch) handle {
	return &inotifyHandle{
		src:   s,
		watch: w,
		wds:   make(map[int32]struct{}),
	}
}

func (s *inotifySource) window() time.Duration {
	return s.latency
}

func (s *inotifySource) wait(timeout time.Duration) ([]trigger, error) {
	fds := []unix.PollFd{
		{Fd: int32(s.fd), Events: unix.POLLIN},
		{Fd: int32(s.wakeFd), Events: unix.POLLIN},
	}

	_, err := unix.Poll(fds, pollTimeout(timeout))
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to poll inotify descriptor: %w", err)
	}

	if fds[1].Revents&unix.POLLIN != 0 {
		s.drainWake()
	}
	if fds[0].Revents&unix.POLLIN == 0 {
		return nil, nil
	}

	events, err := s.readEvents()
	if err != nil {
		return nil, err
	}

	return s.resolve(events), nil
}

// readEvents reads exactly the number of bytes the kernel reports as pending.
func (s *inotifySource) readEvents() ([]rawEvent, error) {
	n, err := unix.IoctlGetInt(s.fd, unix.TIOCINQ)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending bytes: %w", err)
	}
	if n == 0 {
		return nil, nil
	}

	if cap(s.buf) < n {
		s.buf = make([]byte, n)
	}
	buf := s.buf[:n]

	n, err = unix.Read(s.fd, buf)
	if err != nil {
		if errors.Is(err, unix.EAGAIN) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read events: %w", err)
	}

	return parseEvents(buf[:n])
}

func (s *inotifySource) resolve(events []rawEvent) []trigger {
	var triggers []trigger
	overflow := false

	for _, ev := range events {
		switch {
		case ev.mask&unix.IN_Q_OVERFLOW != 0:
			overflow = true
		case ev.mask&unix.IN_IGNORED != 0:
			// The directory is gone or the descriptor was removed
			delete(s.wds, ev.wd)
		default:
			// Rescans start at the root the descriptor was registered for, not at
			// the directory that changed.
			for _, w := range s.wds[ev.wd] {
				triggers = append(triggers, trigger{watch: w, path: w.Root(), recursive: true})
			}
		}
	}

	if overflow {
		log.Warn().Msg("inotify queue overflowed, rescanning all watches")
		for _, w := range s.watches() {
			triggers = append(triggers, trigger{watch: w, path: w.Root(), recursive: true})
		}
	}

	return triggers
}

func (s *inotifySource) watches() []*Watch {
	seen := make(map[*Watch]struct{})
	var out []*Watch
	for _, ws := range s.wds {
		for _, w := range ws {
			if _, ok := seen[w]; !ok {
				seen[w] = struct{}{}
				out = append(out, w)
			}
		}
	}
	return out
}

func (s *inotifySource) wake() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}

	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)

	_, err := unix.Write(s.wakeFd, b[:])
	if err != nil && !errors.Is(err, unix.EAGAIN) {
		return fmt.Errorf("failed to write wake descriptor: %w", err)
	}
	return nil
}

func (s *inotifySource) drainWake() {
	var b [8]byte
	_, _ = unix.Read(s.wakeFd, b[:])
}

func (s *inotifySource) close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	_ = unix.Close(s.wakeFd)
	return unix.Close(s.fd)
}

func (s *inotifySource) ref(wd int32, w *Watch) {
	for _, existing := range s.wds[wd] {
		if existing == w {
			return
		}
	}
	s.wds[wd] = append(s.wds[wd], w)
}

// unref drops w from wd and reports whether nothing uses wd anymore.
func (s *inotifySource) unref(wd int32, w *Watch) bool {
	ws, ok := s.wds[wd]
	if !ok {
		return false
	}

	kept := ws[:0]
	for _, existing := range ws {
		if existing != w {
			kept = append(kept, existing)
		}
	}

	if len(kept) > 0 {
		s.wds[wd] = kept
		return false
	}

	delete(s.wds, wd)
	return true
}

type inotifyHandle struct {
	src   *inotifySource
	watch *Watch
	wds   map[int32]struct{}
}

// schedule registers the root and every directory below it.
func (h *inotifyHandle) schedule() error {
	return h.watchTree(h.watch.Root())
}

func (h *inotifyHandle) watchTree(dir string) error {
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

func (h *inotifyHandle) add(dir string) error {
	wd, err := unix.InotifyAddWatch(h.src.fd, dir, WatchMask)
	if err != nil {
		return fmt.Errorf("failed to add watch for %s: %w", dir, err)
	}

	h.src.ref(int32(wd), h.watch)
	h.wds[int32(wd)] = struct{}{}

	log.Debug().Str("dir", dir).Int("wd", wd).Msg("added inotify watch")
	return nil
}

// The kernel delivers events as soon as a descriptor exists.
func (h *inotifyHandle) start() error {
	return nil
}

func (h *inotifyHandle) stop() {}

func (h *inotifyHandle) unschedule() {
	for wd := range h.wds {
		if !h.src.unref(wd, h.watch) {
			continue
		}

		_, err := unix.InotifyRmWatch(h.src.fd, uint32(wd))
		if err != nil {
			// EINVAL once the kernel dropped the descriptor by itself
			log.Debug().Err(err).Int32("wd", wd).Msg("failed to remove inotify watch")
		}
	}

	h.wds = make(map[int32]struct{})
}

func (h *inotifyHandle) release() {
	h.wds = nil
}
