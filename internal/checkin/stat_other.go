//go:build !unix

package checkin

import "io/fs"

type inodeKey struct {
	dev uint64
	ino uint64
}

// inodeOf reports no inode identity on platforms without one; hard links
// are then scanned as independent files.
func inodeOf(info fs.FileInfo) (inodeKey, bool) {
	return inodeKey{}, false
}
