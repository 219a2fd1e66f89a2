//go:build linux

package session

import "golang.org/x/sys/unix"

// sysProber samples free and total memory via sysinfo. Free includes
// reclaimable buffer memory so short-lived page-cache spikes don't pause
// a healthy migration.
func sysProber() (MemoryStats, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return MemoryStats{}, err
	}
	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	return MemoryStats{
		FreeBytes:  (uint64(si.Freeram) + uint64(si.Bufferram)) * unit,
		TotalBytes: uint64(si.Totalram) * unit,
	}, nil
}
