package engine

import (
	"time"

	"github.com/kinesis-db/kinesis/pkg/metrics"
	"github.com/kinesis-db/kinesis/pkg/wal"
)

// meteredWAL wraps a *wal.Writer so the buffer pool (which only needs
// FlushUntil) and the record layer (which only needs Append) can both be
// handed the same instrumented writer without either package importing
// pkg/metrics itself.
type meteredWAL struct {
	w *wal.Writer
	m *metrics.Metrics
}

func newMeteredWAL(w *wal.Writer, m *metrics.Metrics) *meteredWAL {
	return &meteredWAL{w: w, m: m}
}

func (m *meteredWAL) Append(e *wal.Entry) error {
	err := m.w.Append(e)
	if err == nil && m.m != nil {
		m.m.WALAppendBytes.Add(float64(wal.HeaderSize + len(e.Payload)))
	}
	return err
}

func (m *meteredWAL) FlushUntil(lsn uint64) error {
	start := time.Now()
	err := m.w.FlushUntil(lsn)
	if m.m != nil {
		m.m.WALFlushSeconds.Observe(time.Since(start).Seconds())
	}
	return err
}

func (m *meteredWAL) Sync() error          { return m.w.Sync() }
func (m *meteredWAL) FlushedLSN() uint64   { return m.w.FlushedLSN() }
func (m *meteredWAL) Close() error         { return m.w.Close() }
func (m *meteredWAL) RotateIfNeeded() error { return m.w.RotateIfNeeded() }
