package watcher

import (
	"reflect"

	"github.com/pdubroy/fswatcher/models"
)

// Handler receives the changes found under a watched root.
type Handler interface {
	HandleChange(path string, kind models.ChangeKind)
}

type funcHandler struct {
	fn func(string, models.ChangeKind)
}

func (f *funcHandler) HandleChange(path string, kind models.ChangeKind) {
	f.fn(path, kind)
}

// HandlerFunc adapts fn to a Handler. Every call returns a distinct
// Handler, keep it around to remove the watch again.
func HandlerFunc(fn func(path string, kind models.ChangeKind)) Handler {
	return &funcHandler{fn: fn}
}

// sameHandler compares handlers by identity without panicking on
// uncomparable dynamic types.
func sameHandler(a, b Handler) bool {
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta != tb {
		return false
	}
	if ta == nil {
		return true
	}
	return ta.Comparable() && a == b
}

// queueHandler buffers changes for NextChange.
type queueHandler struct {
	w *Watcher
}

func (q *queueHandler) HandleChange(path string, kind models.ChangeKind) {
	q.w.changes = append(q.w.changes, models.ChangeRecord{Path: path, Kind: kind})
}
