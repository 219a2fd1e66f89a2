// Package stats tracks transfer counters shared between the connection,
// the session controller, and the presenter.
package stats

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const ringSize = 60

// Collector tracks migration statistics using lock-free atomic counters.
// Counters survive reconnection: the session controller keeps one
// Collector per session and hands it to each successive Connection.
type Collector struct {
	filesSent       atomic.Int64
	filesReceived   atomic.Int64
	filesFailed     atomic.Int64
	filesSkipped    atomic.Int64
	bytesSent       atomic.Int64
	bytesReceived   atomic.Int64
	dirsCreated     atomic.Int64
	symlinksCreated atomic.Int64
	duplicatesMoved atomic.Int64
	verifyFailed    atomic.Int64
	bytesTotal      atomic.Int64
	startTime       time.Time

	// Ring buffer written only by the presenter's Tick(), not workers.
	mu         sync.Mutex
	throughput [ringSize]int64 // bytes delta per second
	ringIdx    int
	ringCount  int
	lastBytes  int64
}

// NewCollector creates a Collector with startTime set to now.
func NewCollector() *Collector {
	return &Collector{startTime: time.Now()}
}

// SetBytesTotal records the announced total migration size.
func (c *Collector) SetBytesTotal(n int64) { c.bytesTotal.Store(n) }

func (c *Collector) AddFilesSent(n int64)       { c.filesSent.Add(n) }
func (c *Collector) AddFilesReceived(n int64)   { c.filesReceived.Add(n) }
func (c *Collector) AddFilesFailed(n int64)     { c.filesFailed.Add(n) }
func (c *Collector) AddFilesSkipped(n int64)    { c.filesSkipped.Add(n) }
func (c *Collector) AddBytesSent(n int64)       { c.bytesSent.Add(n) }
func (c *Collector) AddBytesReceived(n int64)   { c.bytesReceived.Add(n) }
func (c *Collector) AddDirsCreated(n int64)     { c.dirsCreated.Add(n) }
func (c *Collector) AddSymlinksCreated(n int64) { c.symlinksCreated.Add(n) }
func (c *Collector) AddDuplicatesMoved(n int64) { c.duplicatesMoved.Add(n) }
func (c *Collector) AddVerifyFailed(n int64)    { c.verifyFailed.Add(n) }

// BytesSent returns the current sent-byte count.
func (c *Collector) BytesSent() int64 { return c.bytesSent.Load() }

// BytesReceived returns the current received-byte count.
func (c *Collector) BytesReceived() int64 { return c.bytesReceived.Load() }

// Snapshot is a point-in-time read of all counters.
type Snapshot struct {
	FilesSent       int64
	FilesReceived   int64
	FilesFailed     int64
	FilesSkipped    int64
	BytesSent       int64
	BytesReceived   int64
	DirsCreated     int64
	SymlinksCreated int64
	DuplicatesMoved int64
	VerifyFailed    int64
	BytesTotal      int64
	Elapsed         time.Duration
}

// Snapshot returns a consistent point-in-time read of all counters.
func (c *Collector) Snapshot() Snapshot {
	return Snapshot{
		FilesSent:       c.filesSent.Load(),
		FilesReceived:   c.filesReceived.Load(),
		FilesFailed:     c.filesFailed.Load(),
		FilesSkipped:    c.filesSkipped.Load(),
		BytesSent:       c.bytesSent.Load(),
		BytesReceived:   c.bytesReceived.Load(),
		DirsCreated:     c.dirsCreated.Load(),
		SymlinksCreated: c.symlinksCreated.Load(),
		DuplicatesMoved: c.duplicatesMoved.Load(),
		VerifyFailed:    c.verifyFailed.Load(),
		BytesTotal:      c.bytesTotal.Load(),
		Elapsed:         c.Elapsed(),
	}
}

// Tick snapshots the transferred-byte delta into the ring buffer. Called
// once per second by the presenter.
func (c *Collector) Tick() {
	current := c.bytesSent.Load() + c.bytesReceived.Load()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.throughput[c.ringIdx] = current - c.lastBytes
	c.lastBytes = current
	c.ringIdx = (c.ringIdx + 1) % ringSize
	if c.ringCount < ringSize {
		c.ringCount++
	}
}

// RollingSpeed returns average bytes/sec over the last n seconds of samples.
func (c *Collector) RollingSpeed(seconds int) float64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := seconds
	if count > c.ringCount {
		count = c.ringCount
	}
	if count == 0 {
		return 0
	}
	var sum int64
	for i := range count {
		idx := (c.ringIdx - 1 - i + ringSize) % ringSize
		sum += c.throughput[idx]
	}
	return float64(sum) / float64(count)
}

// ETA estimates remaining time based on rolling speed and remaining bytes.
func (c *Collector) ETA() time.Duration {
	speed := c.RollingSpeed(10)
	if speed <= 0 {
		return 0
	}
	remaining := c.bytesTotal.Load() - c.bytesSent.Load() - c.bytesReceived.Load()
	if remaining <= 0 {
		return 0
	}
	return time.Duration(float64(remaining)/speed) * time.Second
}

// Elapsed returns time since collector creation.
func (c *Collector) Elapsed() time.Duration {
	return time.Since(c.startTime)
}

func (s Snapshot) String() string {
	return fmt.Sprintf(
		"sent=%d received=%d failed=%d skipped=%d bytesSent=%d bytesReceived=%d dirs=%d symlinks=%d",
		s.FilesSent, s.FilesReceived, s.FilesFailed, s.FilesSkipped,
		s.BytesSent, s.BytesReceived, s.DirsCreated, s.SymlinksCreated,
	)
}

// FormatBytes returns a human-readable byte count.
func FormatBytes(b int64) string {
	const unit = 1024
	if b < unit {
		return fmt.Sprintf("%d B", b)
	}
	div, exp := int64(unit), 0
	for n := b / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(b)/float64(div), "KMGTPE"[exp])
}
