//go:build !linux && !darwin

package watcher

// Only inotify and FSEvents have a dedicated backend.
func newNativeSource(opts Options) (source, error) {
	return newPortableSource(opts)
}
