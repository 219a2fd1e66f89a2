//go:build unix

package conn

import (
	"os"

	"golang.org/x/sys/unix"
)

// availableSpace returns the free bytes on the filesystem holding the
// user's home directory.
func availableSpace() (int64, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "/"
	}
	var st unix.Statfs_t
	if err := unix.Statfs(home, &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
