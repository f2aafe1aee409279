//go:build !darwin && !linux

package models

import (
	"fmt"
	"os"
)

func NewFsObject(path string) (FsObject, error) {
	info, err := os.Stat(path)
	if err != nil {
		return FsObject{}, fmt.Errorf("failed to stat path: %w", err)
	}

	return fromInfo(path, info), nil
}

// NewLinkFsObject describes path itself without following a symlink.
func NewLinkFsObject(path string) (FsObject, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return FsObject{}, fmt.Errorf("failed to lstat path: %w", err)
	}

	return fromInfo(path, info), nil
}

func fromInfo(path string, info os.FileInfo) FsObject {
	return FsObject{
		Path:     path,
		Modified: info.ModTime().UnixNano(),
		Mode:     uint32(info.Mode()),
		IsDir:    info.IsDir(),
	}
}
