package watcher

import (
	"time"

	"github.com/pdubroy/fswatcher/models"
)

// NextChange returns the oldest queued change. If none is queued it runs the
// loop until one arrives, the timeout elapses (ok is false) or StopWatching
// is called. A zero timeout waits indefinitely.
func (w *Watcher) NextChange(timeout time.Duration) (c models.ChangeRecord, ok bool, err error) {
	if len(w.changes) == 0 {
		err = w.run(timeout, func() bool { return len(w.changes) > 0 })
		if err != nil {
			return models.ChangeRecord{}, false, err
		}
	}

	if len(w.changes) == 0 {
		return models.ChangeRecord{}, false, nil
	}

	c = w.changes[0]
	w.changes = w.changes[1:]

	return c, true, nil
}

// GetChanges returns an iterator over queued changes. Iteration ends when a
// single wait exceeds timeout, the loop is stopped or fails.
//
//	it := w.GetChanges(time.Second)
//	for it.Next() {
//		c := it.Change()
//		...
//	}
//	if err := it.Err(); err != nil {
//		...
//	}
func (w *Watcher) GetChanges(timeout time.Duration) *ChangeIterator {
	return &ChangeIterator{w: w, timeout: timeout}
}

type ChangeIterator struct {
	w       *Watcher
	timeout time.Duration
	change  models.ChangeRecord
	err     error
	done    bool
}

func (it *ChangeIterator) Next() bool {
	if it.done {
		return false
	}

	c, ok, err := it.w.NextChange(it.timeout)
	if err != nil || !ok {
		it.err = err
		it.done = true
		return false
	}

	it.change = c
	return true
}

func (it *ChangeIterator) Change() models.ChangeRecord {
	return it.change
}

func (it *ChangeIterator) Err() error {
	return it.err
}
