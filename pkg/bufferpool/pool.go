// Package bufferpool caches pages fetched through a page.Pager, evicting
// under a clock (second-chance) policy and enforcing the write-ahead-log
// rule: a dirty page is never flushed to disk before the WAL record that
// produced its last mutation has itself been flushed.
package bufferpool

import (
	"sync"

	kerrors "github.com/kinesis-db/kinesis/pkg/errors"
	"github.com/kinesis-db/kinesis/pkg/metrics"
	"github.com/kinesis-db/kinesis/pkg/page"
)

// WALFlusher is implemented by wal.Writer. It lets the pool enforce WAL
// ordering without importing the wal package directly.
type WALFlusher interface {
	FlushUntil(lsn uint64) error
}

// Frame is one cached page slot. Per-frame RWMutex lets callers hold a
// latch on a page's contents across several reads/writes without blocking
// unrelated pages.
type Frame struct {
	Page     *page.Page
	pinCount int32
	dirty    bool
	ref      bool
	mu       sync.RWMutex
}

func (f *Frame) RLock()   { f.mu.RLock() }
func (f *Frame) RUnlock() { f.mu.RUnlock() }
func (f *Frame) Lock()    { f.mu.Lock() }
func (f *Frame) Unlock()  { f.mu.Unlock() }

// Pool is a fixed-capacity page cache in front of a Pager.
type Pool struct {
	mu       sync.Mutex
	pager    page.Pager
	capacity int
	frames   map[page.PageID]*Frame
	order    []page.PageID // clock hand order
	hand     int
	flusher  WALFlusher
	metrics  *metrics.Metrics
}

func New(pager page.Pager, capacity int, flusher WALFlusher, m *metrics.Metrics) *Pool {
	if capacity < 1 {
		capacity = 1
	}
	return &Pool{
		pager:    pager,
		capacity: capacity,
		frames:   make(map[page.PageID]*Frame),
		flusher:  flusher,
		metrics:  m,
	}
}

// Fetch returns the frame for id, pinning it. Callers must Unpin when done.
func (p *Pool) Fetch(id page.PageID) (*Frame, error) {
	p.mu.Lock()
	if f, ok := p.frames[id]; ok {
		f.pinCount++
		f.ref = true
		p.mu.Unlock()
		if p.metrics != nil {
			p.metrics.BufferPoolHits.Inc()
		}
		return f, nil
	}
	p.mu.Unlock()

	if p.metrics != nil {
		p.metrics.BufferPoolMisses.Inc()
	}
	pg, err := p.pager.ReadPage(id)
	if err != nil {
		return nil, err
	}
	return p.installLocked(pg)
}

// NewPage allocates a fresh page via the pager and caches it pinned.
func (p *Pool) NewPage(kind page.Kind) (*Frame, error) {
	pg, err := p.pager.AllocatePage(kind)
	if err != nil {
		return nil, err
	}
	return p.installLocked(pg)
}

func (p *Pool) installLocked(pg *page.Page) (*Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if existing, ok := p.frames[pg.ID()]; ok {
		existing.pinCount++
		existing.ref = true
		return existing, nil
	}

	if len(p.frames) >= p.capacity {
		if err := p.evictLocked(); err != nil {
			return nil, err
		}
	}

	f := &Frame{Page: pg, pinCount: 1, ref: true}
	p.frames[pg.ID()] = f
	p.order = append(p.order, pg.ID())
	return f, nil
}

// evictLocked runs one clock sweep, evicting the first unpinned frame whose
// reference bit is false. Frames with the bit set get a second chance.
// Must be called with p.mu held.
func (p *Pool) evictLocked() error {
	if len(p.order) == 0 {
		return kerrors.New("buffer pool exhausted: no frames to evict")
	}
	attempts := 0
	maxAttempts := 2 * len(p.order)
	for attempts < maxAttempts {
		attempts++
		if p.hand >= len(p.order) {
			p.hand = 0
		}
		id := p.order[p.hand]
		f, ok := p.frames[id]
		if !ok {
			p.order = append(p.order[:p.hand], p.order[p.hand+1:]...)
			continue
		}
		if f.pinCount > 0 {
			p.hand++
			continue
		}
		if f.ref {
			f.ref = false
			p.hand++
			continue
		}
		if f.dirty {
			if err := p.flushLocked(f); err != nil {
				return err
			}
		}
		delete(p.frames, id)
		p.order = append(p.order[:p.hand], p.order[p.hand+1:]...)
		if p.metrics != nil {
			p.metrics.BufferPoolEvictions.Inc()
		}
		return nil
	}
	return kerrors.New("buffer pool exhausted: all frames pinned")
}

// Unpin releases one pin on id. dirty marks the page as modified since it
// was fetched; once set it stays set until the page is flushed.
func (p *Pool) Unpin(id page.PageID, dirty bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.frames[id]
	if !ok {
		return
	}
	if f.pinCount > 0 {
		f.pinCount--
	}
	if dirty {
		f.dirty = true
	}
}

// Flush writes id back to the pager if dirty, first ensuring the WAL has
// been flushed through the page's LSN.
func (p *Pool) Flush(id page.PageID) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	f, ok := p.frames[id]
	if !ok {
		return nil
	}
	return p.flushLocked(f)
}

func (p *Pool) flushLocked(f *Frame) error {
	if !f.dirty {
		return nil
	}
	if p.flusher != nil {
		if err := p.flusher.FlushUntil(f.Page.LSN()); err != nil {
			return kerrors.Wrap(err, "flush wal before page write")
		}
	}
	if err := p.pager.WritePage(f.Page); err != nil {
		return err
	}
	f.dirty = false
	return nil
}

// FlushAll writes back every dirty frame, in clock order, honoring the
// same WAL-before-data rule as Flush.
func (p *Pool) FlushAll() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.order {
		f, ok := p.frames[id]
		if !ok {
			continue
		}
		if err := p.flushLocked(f); err != nil {
			return err
		}
	}
	return nil
}

func (p *Pool) Close() error {
	if err := p.FlushAll(); err != nil {
		return err
	}
	return p.pager.Close()
}

func (p *Pool) Pager() page.Pager { return p.pager }

// SetFlusher rewires the WAL-ordering check to a new flusher. Used by
// recovery, which runs redo with no flusher (every byte it writes is
// already durable in the WAL it just replayed) and then wires the live
// writer in before accepting new traffic.
func (p *Pool) SetFlusher(f WALFlusher) {
	p.mu.Lock()
	p.flusher = f
	p.mu.Unlock()
}
