package models

import "fmt"

type ChangeKind int

const (
	Added ChangeKind = iota + 1
	Modified
	Removed
)

func (k ChangeKind) String() string {
	switch k {
	case Added:
		return "ADDED"
	case Modified:
		return "MODIFIED"
	case Removed:
		return "REMOVED"
	}
	return fmt.Sprintf("ChangeKind(%d)", int(k))
}

// ChangeRecord describes one entry that changed between two scans.
type ChangeRecord struct {
	Path string
	Kind ChangeKind
}
