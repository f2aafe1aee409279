package models

// FsObject holds the metadata the directory index compares between scans.
// Stat follows symlinks, so a link to a directory reports IsDir.
type FsObject struct {
	Path     string
	Modified int64 // nanoseconds since the epoch
	Uid      uint32
	Gid      uint32
	Mode     uint32
	IsDir    bool
}
