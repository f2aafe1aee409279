package watcher

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/pdubroy/fswatcher/models"
)

// fakeSource hands out scripted trigger batches.
type fakeSource struct {
	batches  [][]trigger
	handles  []*fakeHandle
	failStep string
	wakes    int
	closed   bool
}

func (s *fakeSource) newHandle(w *Watch) handle {
	h := &fakeHandle{fail: s.failStep}
	s.handles = append(s.handles, h)
	return h
}

func (s *fakeSource) wait(timeout time.Duration) ([]trigger, error) {
	if len(s.batches) == 0 {
		time.Sleep(time.Millisecond)
		return nil, nil
	}
	b := s.batches[0]
	s.batches = s.batches[1:]
	return b, nil
}

func (s *fakeSource) window() time.Duration { return 0 }

func (s *fakeSource) wake() error {
	s.wakes++
	return nil
}

func (s *fakeSource) close() error {
	s.closed = true
	return nil
}

type fakeHandle struct {
	calls []string
	fail  string
}

func (h *fakeHandle) step(name string) error {
	h.calls = append(h.calls, name)
	if h.fail == name {
		return errors.New(name + " failed")
	}
	return nil
}

func (h *fakeHandle) schedule() error { return h.step("schedule") }
func (h *fakeHandle) start() error    { return h.step("start") }
func (h *fakeHandle) stop()           { _ = h.step("stop") }
func (h *fakeHandle) unschedule()     { _ = h.step("unschedule") }
func (h *fakeHandle) release()        { _ = h.step("release") }

func TestWatchLifecycle(t *testing.T) {
	root := tempDir(t)
	src := &fakeSource{}

	w, err := newWatch(root, HandlerFunc(func(string, models.ChangeKind) {}))
	if err != nil {
		t.Fatal(err)
	}
	if w.State() != Created {
		t.Errorf("State() = %s, want CREATED", w.State())
	}

	if err := w.open(src); err != nil {
		t.Fatalf("open() failed: %s", err)
	}
	if w.State() != Started {
		t.Errorf("State() = %s, want STARTED", w.State())
	}

	w.destroy()
	w.destroy()
	if w.State() != Destroyed {
		t.Errorf("State() = %s, want DESTROYED", w.State())
	}

	want := []string{"schedule", "start", "stop", "unschedule", "release"}
	if diff := cmp.Diff(want, src.handles[0].calls); diff != "" {
		t.Errorf("unexpected handle calls (-want +got):\n%s", diff)
	}
}

func TestWatchOpenFailureUndoesReachedSteps(t *testing.T) {
	tests := []struct {
		fail string
		want []string
	}{
		{"schedule", []string{"schedule", "unschedule", "release"}},
		{"start", []string{"schedule", "start", "unschedule", "release"}},
	}

	for _, tc := range tests {
		t.Run(tc.fail, func(t *testing.T) {
			src := &fakeSource{failStep: tc.fail}

			w, err := newWatch(tempDir(t), HandlerFunc(func(string, models.ChangeKind) {}))
			if err != nil {
				t.Fatal(err)
			}

			if err := w.open(src); err == nil {
				t.Fatal("open() succeeded, want error")
			}
			if w.State() != Destroyed {
				t.Errorf("State() = %s, want DESTROYED", w.State())
			}

			w.destroy()
			if diff := cmp.Diff(tc.want, src.handles[0].calls); diff != "" {
				t.Errorf("unexpected handle calls (-want +got):\n%s", diff)
			}
		})
	}
}

func TestNewWatchRejectsFiles(t *testing.T) {
	root := tempDir(t)
	f := filepath.Join(root, "f")
	touch(t, f)

	if _, err := newWatch(f, nil); err == nil {
		t.Error("newWatch on a file succeeded")
	}
	if _, err := newWatch(filepath.Join(root, "missing"), nil); err == nil {
		t.Error("newWatch on a missing path succeeded")
	}
}

func TestDispatchSkipsWatchRemovedByEarlierHandler(t *testing.T) {
	root := tempDir(t)
	src := &fakeSource{}
	w := newWatcher(src, Options{}.withDefaults())

	var called []string
	var second Handler
	first := HandlerFunc(func(path string, kind models.ChangeKind) {
		called = append(called, "first")
		if err := w.RemoveWatch(root, second); err != nil {
			t.Errorf("RemoveWatch() failed: %s", err)
		}
	})
	second = HandlerFunc(func(path string, kind models.ChangeKind) {
		called = append(called, "second")
	})

	for _, h := range []Handler{first, second} {
		if err := w.AddWatch(root, h); err != nil {
			t.Fatal(err)
		}
	}

	touch(t, filepath.Join(root, "f"))

	watches := w.registry.all()
	src.batches = [][]trigger{{
		{watch: watches[0], path: root, recursive: true},
		{watch: watches[1], path: root, recursive: true},
	}}

	if err := w.Watch(50 * time.Millisecond); err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]string{"first"}, called); diff != "" {
		t.Errorf("unexpected handler calls (-want +got):\n%s", diff)
	}
}

func TestDispatchStopsFromHandler(t *testing.T) {
	root := tempDir(t)
	src := &fakeSource{}
	w := newWatcher(src, Options{}.withDefaults())

	n := 0
	h := HandlerFunc(func(string, models.ChangeKind) {
		n++
		w.StopWatching()
		w.StopWatching()
	})
	if err := w.AddWatch(root, h); err != nil {
		t.Fatal(err)
	}

	touch(t, filepath.Join(root, "a"))
	touch(t, filepath.Join(root, "b"))

	wa := w.registry.all()[0]
	src.batches = [][]trigger{{{watch: wa, path: root, recursive: false}}}

	start := time.Now()
	if err := w.Watch(time.Minute); err != nil {
		t.Fatal(err)
	}
	if time.Since(start) > 10*time.Second {
		t.Error("Watch() did not return after StopWatching")
	}

	// The batch in flight is finished before the loop returns
	if n != 2 {
		t.Errorf("handler called %d times, want 2", n)
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	src := &fakeSource{}
	w := newWatcher(src, Options{}.withDefaults())

	if err := w.AddWatch(tempDir(t), nil); err != nil {
		t.Fatal(err)
	}
	wa := w.registry.all()[0]

	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}

	if !src.closed {
		t.Error("source was not closed")
	}
	if wa.State() != Destroyed {
		t.Errorf("State() = %s, want DESTROYED", wa.State())
	}
	if err := w.Watch(time.Millisecond); !errors.Is(err, ErrWatcherClosed) {
		t.Errorf("Watch() after Close = %v, want ErrWatcherClosed", err)
	}
	if err := w.AddWatch(tempDir(t), nil); !errors.Is(err, ErrWatcherClosed) {
		t.Errorf("AddWatch() after Close = %v, want ErrWatcherClosed", err)
	}
}
