package page

import (
	"encoding/binary"
	"os"
	"sync"

	kerrors "github.com/kinesis-db/kinesis/pkg/errors"
)

// Pager is the abstraction the buffer pool fetches and flushes pages
// through. OnDisk backings use FilePager; InMemory backings use MemPager.
// Hybrid wraps a FilePager but lets the buffer pool defer writes.
type Pager interface {
	PageSize() int
	ReadPage(id PageID) (*Page, error)
	WritePage(p *Page) error
	AllocatePage(kind Kind) (*Page, error)
	FreePage(id PageID) error
	CatalogRoot() PageID
	SetCatalogRoot(id PageID) error
	Sync() error
	Close() error
}

const (
	fileMagic      = uint64(0x4B494E455349534B) // "KINESISK"
	fileVersion    = uint32(1)
	fileHeaderSize = 32 // Magic(8) Version(4) PageSize(4) FreeListHead(4) CatalogRoot(4) NumPages(4) Reserved(4)
)

// FilePager persists pages to a single data file with a small fixed header
// followed by fixed-size page slots. Freed pages are threaded onto a
// singly-linked free list (next pointer stored in the page's NextPageID
// field) so allocation reuses space before growing the file.
type FilePager struct {
	mu           sync.Mutex
	file         *os.File
	pageSize     int
	freeListHead PageID
	catalogRoot  PageID
	numPages     uint32
}

// OpenFilePager opens or creates a data file at path.
func OpenFilePager(path string, pageSize int) (*FilePager, error) {
	fp := &FilePager{pageSize: pageSize}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
		if err != nil {
			return nil, kerrors.Wrap(err, "create data file")
		}
		fp.file = f
		if err := fp.writeHeader(); err != nil {
			f.Close()
			return nil, err
		}
		return fp, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, kerrors.Wrap(err, "open data file")
	}
	fp.file = f
	if err := fp.readHeader(); err != nil {
		f.Close()
		return nil, err
	}
	return fp, nil
}

func (fp *FilePager) writeHeader() error {
	buf := make([]byte, fileHeaderSize)
	binary.LittleEndian.PutUint64(buf[0:8], fileMagic)
	binary.LittleEndian.PutUint32(buf[8:12], fileVersion)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(fp.pageSize))
	binary.LittleEndian.PutUint32(buf[16:20], uint32(fp.freeListHead))
	binary.LittleEndian.PutUint32(buf[20:24], uint32(fp.catalogRoot))
	binary.LittleEndian.PutUint32(buf[24:28], fp.numPages)
	if _, err := fp.file.WriteAt(buf, 0); err != nil {
		return kerrors.Wrap(err, "write data file header")
	}
	return nil
}

func (fp *FilePager) readHeader() error {
	buf := make([]byte, fileHeaderSize)
	if _, err := fp.file.ReadAt(buf, 0); err != nil {
		return kerrors.Wrap(err, "read data file header")
	}
	if binary.LittleEndian.Uint64(buf[0:8]) != fileMagic {
		return kerrors.New("data file has invalid magic number")
	}
	if binary.LittleEndian.Uint32(buf[8:12]) != fileVersion {
		return kerrors.New("data file has unsupported version")
	}
	fp.pageSize = int(binary.LittleEndian.Uint32(buf[12:16]))
	fp.freeListHead = PageID(binary.LittleEndian.Uint32(buf[16:20]))
	fp.catalogRoot = PageID(binary.LittleEndian.Uint32(buf[20:24]))
	fp.numPages = binary.LittleEndian.Uint32(buf[24:28])
	return nil
}

func (fp *FilePager) offset(id PageID) int64 {
	return int64(fileHeaderSize) + int64(id-1)*int64(fp.pageSize)
}

func (fp *FilePager) PageSize() int { return fp.pageSize }

func (fp *FilePager) ReadPage(id PageID) (*Page, error) {
	fp.mu.Lock()
	defer fp.mu.Unlock()

	if id == InvalidPageID || uint32(id) > fp.numPages {
		return nil, kerrors.Newf("page %d does not exist", id)
	}
	buf := make([]byte, fp.pageSize)
	if _, err := fp.file.ReadAt(buf, fp.offset(id)); err != nil {
		return nil, &kerrors.IoError{Op: "read page", Err: err}
	}
	return LoadPage(id, buf), nil
}

func (fp *FilePager) WritePage(p *Page) error {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	if _, err := fp.file.WriteAt(p.Bytes(), fp.offset(p.ID())); err != nil {
		return &kerrors.IoError{Op: "write page", Err: err}
	}
	return nil
}

// AllocatePage pops the free list if non-empty, otherwise grows the file.
func (fp *FilePager) AllocatePage(kind Kind) (*Page, error) {
	fp.mu.Lock()
	if fp.freeListHead != InvalidPageID {
		id := fp.freeListHead
		fp.mu.Unlock()
		p, err := fp.ReadPage(id)
		if err != nil {
			return nil, err
		}
		fp.mu.Lock()
		fp.freeListHead = p.NextPageID()
		if err := fp.writeHeader(); err != nil {
			fp.mu.Unlock()
			return nil, err
		}
		fp.mu.Unlock()
		np := NewPage(id, kind, fp.pageSize)
		if err := fp.WritePage(np); err != nil {
			return nil, err
		}
		return np, nil
	}

	fp.numPages++
	id := PageID(fp.numPages)
	if err := fp.writeHeader(); err != nil {
		fp.numPages--
		fp.mu.Unlock()
		return nil, err
	}
	fp.mu.Unlock()

	np := NewPage(id, kind, fp.pageSize)
	if err := fp.WritePage(np); err != nil {
		return nil, err
	}
	return np, nil
}

// FreePage threads id onto the head of the free list.
func (fp *FilePager) FreePage(id PageID) error {
	free := NewPage(id, KindFree, fp.pageSize)
	fp.mu.Lock()
	free.SetNextPageID(fp.freeListHead)
	fp.mu.Unlock()
	if err := fp.WritePage(free); err != nil {
		return err
	}
	fp.mu.Lock()
	fp.freeListHead = id
	err := fp.writeHeader()
	fp.mu.Unlock()
	return err
}

func (fp *FilePager) CatalogRoot() PageID { fp.mu.Lock(); defer fp.mu.Unlock(); return fp.catalogRoot }

func (fp *FilePager) SetCatalogRoot(id PageID) error {
	fp.mu.Lock()
	fp.catalogRoot = id
	err := fp.writeHeader()
	fp.mu.Unlock()
	return err
}

func (fp *FilePager) Sync() error {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.file.Sync()
}

func (fp *FilePager) Close() error {
	fp.mu.Lock()
	defer fp.mu.Unlock()
	return fp.file.Close()
}

// MemPager keeps every page in a map and never touches disk. Used by the
// InMemory backing.
type MemPager struct {
	mu          sync.Mutex
	pageSize    int
	pages       map[PageID]*Page
	freeList    []PageID
	catalogRoot PageID
	nextID      uint32
}

func NewMemPager(pageSize int) *MemPager {
	return &MemPager{pageSize: pageSize, pages: make(map[PageID]*Page)}
}

func (mp *MemPager) PageSize() int { return mp.pageSize }

func (mp *MemPager) ReadPage(id PageID) (*Page, error) {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	p, ok := mp.pages[id]
	if !ok {
		return nil, kerrors.Newf("page %d does not exist", id)
	}
	cp := LoadPage(id, append([]byte(nil), p.Bytes()...))
	return cp, nil
}

func (mp *MemPager) WritePage(p *Page) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	mp.pages[p.ID()] = LoadPage(p.ID(), append([]byte(nil), p.Bytes()...))
	return nil
}

func (mp *MemPager) AllocatePage(kind Kind) (*Page, error) {
	mp.mu.Lock()
	if n := len(mp.freeList); n > 0 {
		id := mp.freeList[n-1]
		mp.freeList = mp.freeList[:n-1]
		mp.mu.Unlock()
		p := NewPage(id, kind, mp.pageSize)
		return p, mp.WritePage(p)
	}
	mp.nextID++
	id := PageID(mp.nextID)
	mp.mu.Unlock()
	p := NewPage(id, kind, mp.pageSize)
	return p, mp.WritePage(p)
}

func (mp *MemPager) FreePage(id PageID) error {
	mp.mu.Lock()
	defer mp.mu.Unlock()
	delete(mp.pages, id)
	mp.freeList = append(mp.freeList, id)
	return nil
}

func (mp *MemPager) CatalogRoot() PageID { mp.mu.Lock(); defer mp.mu.Unlock(); return mp.catalogRoot }

func (mp *MemPager) SetCatalogRoot(id PageID) error {
	mp.mu.Lock()
	mp.catalogRoot = id
	mp.mu.Unlock()
	return nil
}

func (mp *MemPager) Sync() error { return nil }
func (mp *MemPager) Close() error { return nil }
