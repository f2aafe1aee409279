// Package index tracks the modification times of every entry in a directory
// tree and reports which entries were added, modified or removed between
// two scans.
package index

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/pdubroy/fswatcher/models"
	"github.com/pdubroy/fswatcher/modules/metrics"
	"github.com/rs/zerolog/log"
)

var ErrOutsideRoot = errors.New("path is outside of the index root")

type entry struct {
	modified int64
	isDir    bool
}

// DirectoryIndex maps every scanned directory to the last observed state of
// its entries. It is not safe for concurrent use.
type DirectoryIndex struct {
	root string
	dirs map[string]map[string]entry
}

// New returns an empty index for root. The root is stored with symlinks
// resolved and must exist.
func New(root string) (*DirectoryIndex, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve root %s: %w", root, err)
	}

	return &DirectoryIndex{
		root: resolved,
		dirs: make(map[string]map[string]entry),
	}, nil
}

func (i *DirectoryIndex) Root() string {
	return i.root
}

// Build primes the index with a recursive scan of the root. No records are
// produced since there is no earlier state to compare against.
func (i *DirectoryIndex) Build() error {
	i.dirs = make(map[string]map[string]entry)
	_, err := i.scan(i.root, true, false)
	return err
}

// Rescan re-reads path (and every nested directory if recursive) and returns
// the differences to the previous snapshot. Records for one directory come
// in listing order, added and modified entries before removed ones.
func (i *DirectoryIndex) Rescan(path string, recursive bool) ([]models.ChangeRecord, error) {
	p, err := canonicalize(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve %s: %w", path, err)
	}

	if !i.Contains(p) {
		return nil, fmt.Errorf("%w: %s is not under %s", ErrOutsideRoot, p, i.root)
	}

	metrics.Rescans.Inc()

	return i.scan(p, recursive, false)
}

// Contains reports whether the already canonical path p lies under the root.
func (i *DirectoryIndex) Contains(p string) bool {
	if p == i.root {
		return true
	}

	prefix := i.root
	if !strings.HasSuffix(prefix, string(filepath.Separator)) {
		prefix += string(filepath.Separator)
	}

	return strings.HasPrefix(p, prefix)
}

// Size returns the number of indexed entries across all directories.
func (i *DirectoryIndex) Size() int {
	n := 0
	for _, entries := range i.dirs {
		n += len(entries)
	}
	return n
}

func (i *DirectoryIndex) scan(dir string, recursive, nested bool) ([]models.ChangeRecord, error) {
	listing, err := os.ReadDir(dir)
	if err != nil {
		if isRace(err) {
			// The directory vanished after the notification. Its stale entry in the
			// parent snapshot is resolved by a later rescan of the parent.
			metrics.ScanRaces.Inc()
			log.Debug().Err(err).Str("dir", dir).Msg("directory vanished before scan")
			return nil, nil
		}
		if nested {
			log.Warn().Err(err).Str("dir", dir).Msg("skipping unreadable directory")
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read directory %s: %w", dir, err)
	}

	old := i.dirs[dir]
	fresh := make(map[string]entry, len(listing))

	var changes []models.ChangeRecord
	var subdirs []string

	for _, de := range listing {
		name := de.Name()
		p := filepath.Join(dir, name)

		obj, ok := i.stat(p)
		if !ok {
			continue
		}

		e := entry{modified: obj.Modified, isDir: obj.IsDir}
		fresh[name] = e

		prev, ok := old[name]
		switch {
		case !ok:
			changes = append(changes, models.ChangeRecord{Path: p, Kind: models.Added})
		case !e.isDir && prev.modified != e.modified:
			changes = append(changes, models.ChangeRecord{Path: p, Kind: models.Modified})
		}

		// A directory replaced by a file takes its nested snapshots with it
		if ok && prev.isDir && !e.isDir {
			changes = append(changes, i.prune(p)...)
		}

		// Links are recorded but never followed
		if recursive && de.IsDir() {
			subdirs = append(subdirs, p)
		}
	}

	var removed []string
	for name := range old {
		if _, ok := fresh[name]; !ok {
			removed = append(removed, name)
		}
	}
	sort.Strings(removed)

	for _, name := range removed {
		p := filepath.Join(dir, name)
		changes = append(changes, models.ChangeRecord{Path: p, Kind: models.Removed})
		if old[name].isDir {
			changes = append(changes, i.prune(p)...)
		}
	}

	i.dirs[dir] = fresh

	for _, sub := range subdirs {
		c, err := i.scan(sub, true, true)
		if err != nil {
			log.Warn().Err(err).Str("dir", sub).Msg("failed to scan directory")
			continue
		}
		changes = append(changes, c...)
	}

	return changes, nil
}

// stat describes the entry at p. Links that cannot be followed (dangling,
// looping or pointing somewhere unreadable) are recorded as the link itself.
// ok is false if the entry vanished or cannot be described at all.
func (i *DirectoryIndex) stat(p string) (obj models.FsObject, ok bool) {
	obj, err := models.NewFsObject(p)
	if err == nil {
		return obj, true
	}

	obj, lerr := models.NewLinkFsObject(p)
	if lerr == nil {
		log.Debug().Err(err).Str("path", p).Msg("recording unfollowable link")
		return obj, true
	}

	if isRace(lerr) {
		metrics.ScanRaces.Inc()
		return models.FsObject{}, false
	}

	log.Debug().Err(lerr).Str("path", p).Msg("skipping entry that cannot be stat'd")
	return models.FsObject{}, false
}

// prune drops the snapshots of dir and everything below it, returning a
// removal record for every entry they held.
func (i *DirectoryIndex) prune(dir string) []models.ChangeRecord {
	prefix := dir + string(filepath.Separator)

	var keys []string
	for k := range i.dirs {
		if k == dir || strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var changes []models.ChangeRecord
	for _, k := range keys {
		names := make([]string, 0, len(i.dirs[k]))
		for name := range i.dirs[k] {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			changes = append(changes, models.ChangeRecord{Path: filepath.Join(k, name), Kind: models.Removed})
		}
		delete(i.dirs, k)
	}

	return changes
}

func isRace(err error) bool {
	return errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR)
}

// canonicalize resolves symlinks in path. A path that no longer exists
// resolves through its nearest existing ancestor.
func canonicalize(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}

	resolved, err := filepath.EvalSymlinks(abs)
	if err == nil {
		return resolved, nil
	}
	if !isRace(err) {
		return "", err
	}

	parent := filepath.Dir(abs)
	if parent == abs {
		return abs, nil
	}

	dir, err := canonicalize(parent)
	if err != nil {
		return "", err
	}

	return filepath.Join(dir, filepath.Base(abs)), nil
}
