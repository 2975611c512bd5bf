package wal

import "time"

// SyncPolicy controls how aggressively the writer calls fsync.
type SyncPolicy int

const (
	// SyncEveryWrite fsyncs after every append. Safest, slowest.
	SyncEveryWrite SyncPolicy = iota
	// SyncInterval fsyncs on a background timer.
	SyncInterval
	// SyncBatch fsyncs once buffered bytes cross a threshold.
	SyncBatch
)

// Options configures a Writer/segment set.
type Options struct {
	// Dir is the directory segments are created in.
	Dir string

	// SegmentMaxBytes rotates to a new segment once the active one would
	// exceed this size. Zero disables rotation (single growing segment).
	SegmentMaxBytes int64

	// BufferSize sizes the bufio.Writer in front of each segment file.
	BufferSize int

	SyncPolicy           SyncPolicy
	SyncIntervalDuration time.Duration
	SyncBatchBytes       int64
}

func DefaultOptions(dir string) Options {
	return Options{
		Dir:                  dir,
		SegmentMaxBytes:      16 * 1024 * 1024,
		BufferSize:           64 * 1024,
		SyncPolicy:           SyncInterval,
		SyncIntervalDuration: 200 * time.Millisecond,
		SyncBatchBytes:       1 * 1024 * 1024,
	}
}
