package session

const (
	// memoryFloorBytes pauses the migration outright when free memory
	// drops below it, regardless of machine size.
	memoryFloorBytes uint64 = 500 << 20
	// memoryUsageLimit pauses when used memory exceeds this fraction of
	// total.
	memoryUsageLimit = 0.85
)

// MemoryStats is one sample of system memory headroom.
type MemoryStats struct {
	FreeBytes  uint64
	TotalBytes uint64
}

// Prober samples system memory. Injectable so tests can script pressure
// and recovery.
type Prober func() (MemoryStats, error)

// underPressure reports whether the sample calls for pausing file work.
func underPressure(m MemoryStats) bool {
	if m.TotalBytes == 0 {
		return false
	}
	if m.FreeBytes < memoryFloorBytes {
		return true
	}
	used := float64(m.TotalBytes-m.FreeBytes) / float64(m.TotalBytes)
	return used > memoryUsageLimit
}
