package models

import "golang.org/x/sys/unix"

func mtime(stat *unix.Stat_t) int64 {
	return stat.Mtim.Nano()
}
