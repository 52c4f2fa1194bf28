// Package stats provides the frame/byte counters shared by the server and
// client stats lines.
package stats

import (
	"fmt"
	"sync/atomic"
)

// Counters tracks frame and byte totals in both directions. All fields are
// updated with atomic operations so readers (the stats loop) and writers
// (the I/O loops) never contend on a lock.
type Counters struct {
	TxFrames uint64
	TxBytes  uint64
	RxFrames uint64
	RxBytes  uint64
}

// AddTx records an outbound frame of n bytes.
func (c *Counters) AddTx(n int) {
	atomic.AddUint64(&c.TxFrames, 1)
	atomic.AddUint64(&c.TxBytes, uint64(n))
}

// AddRx records an inbound frame of n bytes.
func (c *Counters) AddRx(n int) {
	atomic.AddUint64(&c.RxFrames, 1)
	atomic.AddUint64(&c.RxBytes, uint64(n))
}

// Snapshot is a point-in-time copy of the counters, safe to read without
// further synchronization.
type Snapshot struct {
	TxFrames uint64
	TxBytes  uint64
	RxFrames uint64
	RxBytes  uint64
}

// Snapshot atomically captures the current counter values.
func (c *Counters) Snapshot() Snapshot {
	return Snapshot{
		TxFrames: atomic.LoadUint64(&c.TxFrames),
		TxBytes:  atomic.LoadUint64(&c.TxBytes),
		RxFrames: atomic.LoadUint64(&c.RxFrames),
		RxBytes:  atomic.LoadUint64(&c.RxBytes),
	}
}

// FormatNumber formats a count with comma separators.
func FormatNumber(n uint64) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	return FormatNumber(n/1000) + fmt.Sprintf(",%03d", n%1000)
}

// FormatBytes formats a byte count in human-readable form.
func FormatBytes(b uint64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case b >= GB:
		return fmt.Sprintf("%.1f GB", float64(b)/float64(GB))
	case b >= MB:
		return fmt.Sprintf("%.1f MB", float64(b)/float64(MB))
	case b >= KB:
		return fmt.Sprintf("%d KB", b/KB)
	default:
		return fmt.Sprintf("%d B", b)
	}
}
