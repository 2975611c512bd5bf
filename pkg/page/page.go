// Package page implements the fixed-size slotted page format the buffer
// pool and pager operate on. Layout:
//
//	+------------------------+
//	| Header (HeaderSize)    |
//	+------------------------+
//	| Slot array  (grows ->) |
//	+------------------------+
//	| free space              |
//	+------------------------+
//	| Tuple data  (<- grows) |
//	+------------------------+
//
// Header: PageID(4) Kind(1) Reserved(3) LSN(8) SlotCount(2) DataStart(2)
// NextPageID(4) Reserved(4) = 28 bytes. Slot i lives at
// HeaderSize+i*slotSize and holds (TupleOffset uint16, TupleLength uint16);
// a zero length marks a deleted or relocated slot.
package page

import (
	"encoding/binary"

	kerrors "github.com/kinesis-db/kinesis/pkg/errors"
)

const (
	HeaderSize = 28
	slotSize   = 4

	DefaultPageSize = 4096
)

// PageID identifies a page within a data file. 0 is reserved (InvalidPageID);
// the file header occupies its own region outside the page address space.
type PageID uint32

const InvalidPageID PageID = 0

type Kind uint8

const (
	KindFree Kind = iota
	KindCatalog
	KindData
	KindOverflow
)

// Page is a mutable view over a fixed-size byte buffer. All accessors read
// and write directly into buf so a Page can be handed to a Pager without a
// separate serialization step.
type Page struct {
	id   PageID
	size int
	buf  []byte
}

// NewPage allocates a zeroed page of the given size and initializes its
// header.
func NewPage(id PageID, kind Kind, size int) *Page {
	p := &Page{id: id, size: size, buf: make([]byte, size)}
	binary.LittleEndian.PutUint32(p.buf[0:4], uint32(id))
	p.buf[4] = byte(kind)
	p.setSlotCount(0)
	p.setDataStart(uint16(size))
	p.SetNextPageID(InvalidPageID)
	return p
}

// LoadPage wraps an existing on-disk buffer (read verbatim from a Pager) as
// a Page. The buffer is used in place, not copied.
func LoadPage(id PageID, buf []byte) *Page {
	return &Page{id: id, size: len(buf), buf: buf}
}

func (p *Page) ID() PageID    { return p.id }
func (p *Page) Size() int     { return p.size }
func (p *Page) Bytes() []byte { return p.buf }

func (p *Page) Kind() Kind     { return Kind(p.buf[4]) }
func (p *Page) SetKind(k Kind) { p.buf[4] = byte(k) }

func (p *Page) LSN() uint64 { return binary.LittleEndian.Uint64(p.buf[8:16]) }
func (p *Page) SetLSN(lsn uint64) {
	binary.LittleEndian.PutUint64(p.buf[8:16], lsn)
}

func (p *Page) slotCount() uint16 { return binary.LittleEndian.Uint16(p.buf[16:18]) }
func (p *Page) setSlotCount(n uint16) {
	binary.LittleEndian.PutUint16(p.buf[16:18], n)
}

func (p *Page) dataStart() uint16 { return binary.LittleEndian.Uint16(p.buf[18:20]) }
func (p *Page) setDataStart(v uint16) {
	binary.LittleEndian.PutUint16(p.buf[18:20], v)
}

func (p *Page) NextPageID() PageID {
	return PageID(binary.LittleEndian.Uint32(p.buf[20:24]))
}

func (p *Page) SetNextPageID(id PageID) {
	binary.LittleEndian.PutUint32(p.buf[20:24], uint32(id))
}

func (p *Page) SlotCount() uint16 { return p.slotCount() }

// FreeSpace returns the number of bytes available to hold one more tuple
// (including the slot entry that inserting it would consume).
func (p *Page) FreeSpace() int {
	slotsEnd := HeaderSize + int(p.slotCount())*slotSize
	return int(p.dataStart()) - slotsEnd - slotSize
}

func (p *Page) slotAt(slot uint16) (offset, length uint16) {
	pos := HeaderSize + int(slot)*slotSize
	offset = binary.LittleEndian.Uint16(p.buf[pos : pos+2])
	length = binary.LittleEndian.Uint16(p.buf[pos+2 : pos+4])
	return
}

func (p *Page) setSlotAt(slot uint16, offset, length uint16) {
	pos := HeaderSize + int(slot)*slotSize
	binary.LittleEndian.PutUint16(p.buf[pos:pos+2], offset)
	binary.LittleEndian.PutUint16(p.buf[pos+2:pos+4], length)
}

// InsertTuple appends data to the page and returns the slot it was placed
// in. Returns ErrPageFull if there is not enough contiguous free space.
func (p *Page) InsertTuple(data []byte) (uint16, error) {
	if p.FreeSpace() < len(data) {
		return 0, ErrPageFull
	}
	newStart := p.dataStart() - uint16(len(data))
	copy(p.buf[newStart:p.dataStart()], data)
	p.setDataStart(newStart)

	slot := p.slotCount()
	p.setSlotAt(slot, newStart, uint16(len(data)))
	p.setSlotCount(slot + 1)
	return slot, nil
}

// GetTuple returns a copy of the tuple stored at slot.
func (p *Page) GetTuple(slot uint16) ([]byte, error) {
	if slot >= p.slotCount() {
		return nil, ErrSlotNotFound
	}
	offset, length := p.slotAt(slot)
	if length == 0 {
		return nil, ErrSlotNotFound
	}
	out := make([]byte, length)
	copy(out, p.buf[offset:offset+length])
	return out, nil
}

// UpdateTuple overwrites the tuple at slot. If the new value is larger than
// the space the slot originally occupied, the tuple is relocated within the
// page (may fail with ErrPageFull if there is no room).
func (p *Page) UpdateTuple(slot uint16, data []byte) error {
	if slot >= p.slotCount() {
		return ErrSlotNotFound
	}
	offset, oldLen := p.slotAt(slot)
	newLen := uint16(len(data))
	if newLen <= oldLen {
		copy(p.buf[offset:offset+newLen], data)
		p.setSlotAt(slot, offset, newLen)
		return nil
	}
	if p.FreeSpace()+slotSize < len(data) {
		return ErrPageFull
	}
	newStart := p.dataStart() - newLen
	copy(p.buf[newStart:p.dataStart()], data)
	p.setDataStart(newStart)
	p.setSlotAt(slot, newStart, newLen)
	return nil
}

// DeleteTuple marks slot as deleted by zeroing its length. The backing bytes
// are reclaimed on the next Compact.
func (p *Page) DeleteTuple(slot uint16) error {
	if slot >= p.slotCount() {
		return ErrSlotNotFound
	}
	offset, _ := p.slotAt(slot)
	p.setSlotAt(slot, offset, 0)
	return nil
}

// Tuple pairs a slot number with its live bytes.
type Tuple struct {
	Slot uint16
	Data []byte
}

// AllTuples returns every non-deleted tuple in slot order.
func (p *Page) AllTuples() []Tuple {
	var out []Tuple
	n := p.slotCount()
	for i := uint16(0); i < n; i++ {
		_, length := p.slotAt(i)
		if length == 0 {
			continue
		}
		data, err := p.GetTuple(i)
		if err != nil {
			continue
		}
		out = append(out, Tuple{Slot: i, Data: data})
	}
	return out
}

// Compact repacks live tuples against the end of the page, reclaiming space
// left by deletions and relocations. Slot numbers are preserved so index
// references into this page remain valid.
func (p *Page) Compact() {
	live := p.AllTuples()
	start := uint16(p.size)
	for _, t := range live {
		start -= uint16(len(t.Data))
		copy(p.buf[start:start+uint16(len(t.Data))], t.Data)
		p.setSlotAt(t.Slot, start, uint16(len(t.Data)))
	}
	p.setDataStart(start)
}

var (
	ErrPageFull     = kerrors.New("page is full")
	ErrSlotNotFound = kerrors.New("slot not found")
)
