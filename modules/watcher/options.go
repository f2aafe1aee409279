package watcher

import "time"

type Backend string

const (
	// BackendNative uses inotify on linux and FSEvents on darwin. Other
	// platforms fall back to the portable backend.
	BackendNative Backend = "native"
	// BackendPortable uses fsnotify on every platform.
	BackendPortable Backend = "portable"
)

// DefaultLatency is how long notifications are batched when Options.Latency
// is left at zero.
const DefaultLatency = time.Second

type Options struct {
	Backend Backend

	// Latency is the coalescing window. On darwin it is handed to the event
	// stream, elsewhere the loop applies it. Negative disables coalescing.
	Latency time.Duration

	// WatchNewDirs registers directories created after a watch started.
	// Without it the kernel backends only see events in directories that
	// existed when the watch was added.
	WatchNewDirs bool
}

func (o Options) withDefaults() Options {
	if o.Backend == "" {
		o.Backend = BackendNative
	}
	if o.Latency == 0 {
		o.Latency = DefaultLatency
	}
	if o.Latency < 0 {
		o.Latency = 0
	}
	return o
}
