package record

import "github.com/kinesis-db/kinesis/pkg/page"

// Ref is the opaque storage reference the record-id index maps to: a
// page id and the slot within it, packed into the int64 the B+Tree
// already stores as its value type.
type Ref int64

func EncodeRef(id page.PageID, slot uint16) Ref {
	return Ref(int64(id)<<16 | int64(slot))
}

func (r Ref) Decode() (page.PageID, uint16) {
	return page.PageID(int64(r) >> 16), uint16(int64(r) & 0xFFFF)
}
