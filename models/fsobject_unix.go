//go:build darwin || linux

package models

import (
	"fmt"

	"golang.org/x/sys/unix"
)

const (
	S_IFMT  = 0o0170000
	S_IFDIR = 0o0040000
)

func NewFsObject(path string) (FsObject, error) {
	var stat unix.Stat_t

	err := unix.Stat(path, &stat)
	if err != nil {
		return FsObject{}, fmt.Errorf("failed to stat path: %w", err)
	}

	return fromStat(path, &stat), nil
}

// NewLinkFsObject describes path itself without following a symlink.
func NewLinkFsObject(path string) (FsObject, error) {
	var stat unix.Stat_t

	err := unix.Lstat(path, &stat)
	if err != nil {
		return FsObject{}, fmt.Errorf("failed to lstat path: %w", err)
	}

	return fromStat(path, &stat), nil
}

func fromStat(path string, stat *unix.Stat_t) FsObject {
	return FsObject{
		Path:     path,
		Modified: mtime(stat),
		Uid:      stat.Uid,
		Gid:      stat.Gid,
		Mode:     uint32(stat.Mode),
		IsDir:    uint32(stat.Mode)&S_IFMT == S_IFDIR,
	}
}
