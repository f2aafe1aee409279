package watcher

import (
	"fmt"
	"time"
)

// trigger asks the loop to rescan path on behalf of watch.
type trigger struct {
	watch     *Watch
	path      string
	recursive bool
}

type waker interface {
	// wake interrupts a blocked wait. Safe to call from any goroutine, also
	// after the source was closed.
	wake() error
}

// source wraps one platform notification primitive and turns what it
// delivers into rescan triggers.
type source interface {
	waker

	// newHandle returns the unscheduled native resource for w.
	newHandle(w *Watch) handle

	// wait blocks until notifications arrive, wake is called or timeout
	// elapses. A negative timeout blocks indefinitely.
	wait(timeout time.Duration) ([]trigger, error)

	// window is how long the loop keeps collecting triggers after the first
	// one before rescanning. Zero when the primitive coalesces by itself.
	window() time.Duration

	close() error
}

// handle is the native resource behind a single Watch. Each step is only
// undone if it was reached, and release may be called in any state.
type handle interface {
	schedule() error
	start() error
	stop()
	unschedule()
	release()
}

// treeHandle is implemented by handles whose primitive watches a single
// directory, so directories created later need their own registration.
type treeHandle interface {
	watchTree(dir string) error
}

func newSource(opts Options) (source, error) {
	switch opts.Backend {
	case BackendNative:
		return newNativeSource(opts)
	case BackendPortable:
		return newPortableSource(opts)
	}
	return nil, fmt.Errorf("unknown backend %q", opts.Backend)
}

func pollTimeout(timeout time.Duration) int {
	if timeout < 0 {
		return -1
	}
	return int((timeout + time.Millisecond - 1) / time.Millisecond)
}
