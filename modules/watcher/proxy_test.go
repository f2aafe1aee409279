package watcher

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func countEntries(t *testing.T, root string) int {
	t.Helper()
	n := 0
	err := filepath.WalkDir(root, func(path string, _ fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path != root {
			n++
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	return n
}

func eventuallyIndexSize(t *testing.T, p *Proxy, want int) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)

	var got int
	var err error
	for time.Now().Before(deadline) {
		got, err = p.IndexSize()
		if err != nil {
			t.Fatalf("IndexSize() failed: %s", err)
		}
		if got == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Errorf("IndexSize() = %d, want %d", got, want)
}

func TestConcurrentWatchersConverge(t *testing.T) {
	forEachBackend(t, func(t *testing.T, opts Options) {
		root := tempDir(t)
		sub := filepath.Join(root, "sub")
		mkdir(t, sub)
		touch(t, filepath.Join(sub, "x"))

		const watchers = 4
		var proxies []*Proxy
		for i := 0; i < watchers; i++ {
			for j := 0; j < 5; j++ {
				touch(t, filepath.Join(root, fmt.Sprintf("f%d-%d", i, j)))
				touch(t, filepath.Join(sub, fmt.Sprintf("g%d-%d", i, j)))
			}

			p, err := WatchConcurrently([]string{root}, opts)
			if err != nil {
				t.Fatalf("WatchConcurrently() failed: %s", err)
			}
			proxies = append(proxies, p)
		}
		for j := 0; j < 5; j++ {
			touch(t, filepath.Join(root, fmt.Sprintf("last-%d", j)))
		}

		want := countEntries(t, root)
		for _, p := range proxies {
			eventuallyIndexSize(t, p, want)
		}

		entries, err := os.ReadDir(root)
		if err != nil {
			t.Fatal(err)
		}
		for _, e := range entries {
			if err := os.RemoveAll(filepath.Join(root, e.Name())); err != nil {
				t.Fatal(err)
			}
		}

		for _, p := range proxies {
			eventuallyIndexSize(t, p, 0)
		}

		for _, p := range proxies {
			if err := p.Stop(); err != nil {
				t.Errorf("Stop() failed: %s", err)
			}
			if err := p.Send(Message{Kind: GetIndexSize}); !errors.Is(err, ErrProxyClosed) {
				t.Errorf("Send() after Stop = %v, want ErrProxyClosed", err)
			}
			if _, err := p.Recv(); !errors.Is(err, ErrProxyClosed) {
				t.Errorf("Recv() after Stop = %v, want ErrProxyClosed", err)
			}
		}
	})
}

func TestProxyForwardsChanges(t *testing.T) {
	root := tempDir(t)
	p, err := WatchConcurrently([]string{root}, Options{Latency: testLatency})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	f := filepath.Join(root, "f")
	touch(t, f)

	for {
		m, ok, err := p.RecvTimeout(waitTimeout)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			t.Fatal("no changes received")
		}
		if m.Kind != Changes {
			continue
		}

		if len(m.Changes) != 1 || m.Changes[0].Path != f {
			t.Errorf("unexpected changes %v", m.Changes)
		}
		return
	}
}

func TestProxyDeliversChangesBeyondBuffer(t *testing.T) {
	root := tempDir(t)
	p, err := WatchConcurrently([]string{root}, Options{Latency: -1})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	// Spread out so most files arrive in a batch of their own and the duct
	// fills up while nobody receives.
	const files = messageBuffer + 36
	want := make(map[string]bool, files)
	for i := 0; i < files; i++ {
		f := filepath.Join(root, fmt.Sprintf("f%03d", i))
		touch(t, f)
		want[f] = true
		time.Sleep(15 * time.Millisecond)
	}

	got := make(map[string]bool, files)
	for len(got) < files {
		m, ok, err := p.RecvTimeout(2 * time.Second)
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		for _, c := range m.Changes {
			got[c.Path] = true
		}
	}

	if len(got) != files {
		t.Errorf("received %d of %d added files", len(got), files)
	}
	for f := range got {
		if !want[f] {
			t.Errorf("unexpected change for %s", f)
		}
	}
}

func TestProxyRejectsReplies(t *testing.T) {
	p, err := WatchConcurrently([]string{tempDir(t)}, Options{Latency: testLatency})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Stop()

	for _, k := range []MessageKind{IndexSize, Stopped, Changes} {
		if err := p.Send(Message{Kind: k}); !errors.Is(err, ErrInvalidMessage) {
			t.Errorf("Send(%s) = %v, want ErrInvalidMessage", k, err)
		}
	}
}

func TestWatchConcurrentlyOpenError(t *testing.T) {
	_, err := WatchConcurrently([]string{filepath.Join(tempDir(t), "missing")}, Options{})
	if err == nil {
		t.Error("WatchConcurrently() succeeded for a missing path")
	}
}
