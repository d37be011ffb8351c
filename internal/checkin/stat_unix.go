//go:build unix

package checkin

import (
	"io/fs"
	"syscall"
)

// inodeKey identifies a file across hard links.
type inodeKey struct {
	dev uint64
	ino uint64
}

// inodeOf extracts the inode identity from a FileInfo when the platform
// exposes one.
func inodeOf(info fs.FileInfo) (inodeKey, bool) {
	stat, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return inodeKey{}, false
	}
	return inodeKey{dev: uint64(stat.Dev), ino: uint64(stat.Ino)}, true
}
