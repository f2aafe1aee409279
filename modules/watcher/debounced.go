package watcher

import (
	"path/filepath"
)

// debouncer merges the triggers collected during one coalescing window.
// Order of first arrival is kept.
type debouncer struct {
	triggers []trigger
	seen     map[debounceKey]int
}

type debounceKey struct {
	watch *Watch
	path  string
}

func newDebouncer() *debouncer {
	return &debouncer{
		seen: make(map[debounceKey]int),
	}
}

func (d *debouncer) add(triggers ...trigger) {
	for _, t := range triggers {
		t.path = filepath.Clean(t.path)
		k := debounceKey{t.watch, t.path}

		if i, ok := d.seen[k]; ok {
			// The same path was already triggered. A recursive request wins.
			d.triggers[i].recursive = d.triggers[i].recursive || t.recursive
			continue
		}

		d.seen[k] = len(d.triggers)
		d.triggers = append(d.triggers, t)
	}
}

// flush returns the merged triggers, dropping every path that lies below
// another recursively triggered path of the same watch.
func (d *debouncer) flush() []trigger {
	var out []trigger

	for _, t := range d.triggers {
		if !d.superseded(t) {
			out = append(out, t)
		}
	}

	d.triggers = nil
	d.seen = make(map[debounceKey]int)

	return out
}

func (d *debouncer) superseded(t trigger) bool {
	path := filepath.Dir(t.path)

	for {
		if i, ok := d.seen[debounceKey{t.watch, path}]; ok && d.triggers[i].recursive {
			return true
		}

		parent := filepath.Dir(path)
		if parent == path {
			return false
		}
		path = parent
	}
}
