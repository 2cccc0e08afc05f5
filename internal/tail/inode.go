package tail

import (
	"os"
	"syscall"
)

// inodeOf extracts the inode number backing fi, used to detect log
// rotation (§4.E: "If the inode differs from the stored inode...").
func inodeOf(fi os.FileInfo) uint64 {
	st, ok := fi.Sys().(*syscall.Stat_t)
	if !ok {
		return 0
	}
	return st.Ino
}
