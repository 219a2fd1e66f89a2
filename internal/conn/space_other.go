//go:build !unix

package conn

// availableSpace is best-effort on platforms without statfs.
func availableSpace() (int64, error) {
	return 0, nil
}
