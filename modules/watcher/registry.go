package watcher

import (
	"path/filepath"
)

// registry holds the live watches of one Watcher. Several watches may share
// a path or a handler, removal matches on both.
type registry struct {
	watches []*Watch
}

func (r *registry) add(w *Watch) {
	r.watches = append(r.watches, w)
}

// take removes and returns every watch registered for path and handler.
func (r *registry) take(path string, handler Handler) []*Watch {
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		resolved = abs
	}

	var taken []*Watch
	kept := r.watches[:0]

	for _, w := range r.watches {
		if (w.path == abs || w.Root() == resolved) && sameHandler(w.handler, handler) {
			taken = append(taken, w)
		} else {
			kept = append(kept, w)
		}
	}

	// Clear the tail so dropped watches can be collected
	for i := len(kept); i < len(r.watches); i++ {
		r.watches[i] = nil
	}
	r.watches = kept

	return taken
}

func (r *registry) all() []*Watch {
	return append([]*Watch(nil), r.watches...)
}

func (r *registry) reset() {
	r.watches = nil
}
