package wal

import (
	"bufio"
	"os"
	"sync"
	"sync/atomic"
	"time"

	kerrors "github.com/kinesis-db/kinesis/pkg/errors"
)

// Writer appends entries to a rotating set of segment files under a single
// directory. Callers assign each entry's LSN (via a shared Tracker) before
// calling Append; the writer itself only handles framing, batching,
// fsync policy and rotation.
type Writer struct {
	mu      sync.Mutex
	opts    Options
	file    *os.File
	buf     *bufio.Writer
	segment string
	segSize int64

	batchBytes   int64
	lastWritten  uint64
	flushedLSN   uint64 // atomic
	done         chan struct{}
	ticker       *time.Ticker
	closed       bool
}

// NewWriter opens the latest segment under opts.Dir for append, creating
// the directory and an initial segment (starting at LSN 1) if empty.
func NewWriter(opts Options) (*Writer, error) {
	if err := os.MkdirAll(opts.Dir, 0755); err != nil {
		return nil, kerrors.Wrap(err, "create wal directory")
	}

	segs, err := ListSegments(opts.Dir)
	if err != nil {
		return nil, err
	}

	w := &Writer{opts: opts, done: make(chan struct{})}

	var name string
	if len(segs) == 0 {
		name = segmentName(1)
	} else {
		name = segs[len(segs)-1]
	}

	if err := w.openSegment(name); err != nil {
		return nil, err
	}

	if opts.SyncPolicy == SyncInterval && opts.SyncIntervalDuration > 0 {
		w.ticker = time.NewTicker(opts.SyncIntervalDuration)
		go w.backgroundSync()
	}

	return w, nil
}

func (w *Writer) openSegment(name string) error {
	path := segmentPath(w.opts.Dir, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0644)
	if err != nil {
		return kerrors.Wrap(err, "open wal segment")
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return kerrors.Wrap(err, "stat wal segment")
	}
	w.file = f
	w.buf = bufio.NewWriterSize(f, w.opts.BufferSize)
	w.segment = name
	w.segSize = info.Size()
	return nil
}

// Append writes entry to the active segment, rotating first if the
// configured size threshold would be exceeded.
func (w *Writer) Append(e *Entry) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return kerrors.New("wal writer is closed")
	}

	if w.opts.SegmentMaxBytes > 0 && w.segSize > 0 &&
		w.segSize+int64(HeaderSize+len(e.Payload)) > w.opts.SegmentMaxBytes {
		if err := w.rotateLocked(e.Header.LSN); err != nil {
			return err
		}
	}

	n, err := e.WriteTo(w.buf)
	if err != nil {
		return &kerrors.IoError{Op: "append wal entry", Err: err}
	}
	w.segSize += n
	w.batchBytes += n
	w.lastWritten = e.Header.LSN

	switch w.opts.SyncPolicy {
	case SyncEveryWrite:
		return w.syncLocked()
	case SyncBatch:
		if w.batchBytes >= w.opts.SyncBatchBytes {
			return w.syncLocked()
		}
	}
	return nil
}

func (w *Writer) rotateLocked(nextStartLSN uint64) error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}
	return w.openSegment(segmentName(nextStartLSN))
}

// RotateIfNeeded forces a rotation ahead of the next Append, useful when a
// checkpoint wants every subsequent record in a fresh segment.
func (w *Writer) RotateIfNeeded() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.segSize == 0 {
		return nil
	}
	return w.rotateLocked(w.lastWritten + 1)
}

func (w *Writer) syncLocked() error {
	if err := w.buf.Flush(); err != nil {
		return err
	}
	if err := w.file.Sync(); err != nil {
		return err
	}
	w.batchBytes = 0
	atomic.StoreUint64(&w.flushedLSN, w.lastWritten)
	return nil
}

func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.syncLocked()
}

// FlushUntil blocks until every entry up to and including lsn is durable.
func (w *Writer) FlushUntil(lsn uint64) error {
	if atomic.LoadUint64(&w.flushedLSN) >= lsn {
		return nil
	}
	return w.Sync()
}

func (w *Writer) FlushedLSN() uint64 { return atomic.LoadUint64(&w.flushedLSN) }

func (w *Writer) backgroundSync() {
	for {
		select {
		case <-w.ticker.C:
			w.Sync()
		case <-w.done:
			return
		}
	}
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.ticker != nil {
		w.ticker.Stop()
		close(w.done)
	}
	if err := w.syncLocked(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}
