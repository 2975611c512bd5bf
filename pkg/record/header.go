package record

import "encoding/binary"

// headerSize is the fixed prefix stored ahead of every tuple's BSON
// payload: Valid(1) CreateLSN(8) DeleteLSN(8) PrevRef(8) SchemaVersion(4).
const headerSize = 29

// tupleHeader carries the bookkeeping MVCC visibility and recovery need
// that doesn't belong in the BSON payload itself.
type tupleHeader struct {
	Valid         bool
	CreateLSN     uint64
	DeleteLSN     uint64 // 0 while live
	PrevRef       int64  // ref of the version this replaces, 0 if none
	SchemaVersion uint32
}

func (h tupleHeader) encode() []byte {
	buf := make([]byte, headerSize)
	if h.Valid {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint64(buf[1:9], h.CreateLSN)
	binary.LittleEndian.PutUint64(buf[9:17], h.DeleteLSN)
	binary.LittleEndian.PutUint64(buf[17:25], uint64(h.PrevRef))
	binary.LittleEndian.PutUint32(buf[25:29], h.SchemaVersion)
	return buf
}

func decodeTupleHeader(buf []byte) tupleHeader {
	return tupleHeader{
		Valid:         buf[0] == 1,
		CreateLSN:     binary.LittleEndian.Uint64(buf[1:9]),
		DeleteLSN:     binary.LittleEndian.Uint64(buf[9:17]),
		PrevRef:       int64(binary.LittleEndian.Uint64(buf[17:25])),
		SchemaVersion: binary.LittleEndian.Uint32(buf[25:29]),
	}
}

// packTuple prefixes header to payload; unpackTuple reverses it.
func packTuple(h tupleHeader, payload []byte) []byte {
	out := make([]byte, headerSize+len(payload))
	copy(out, h.encode())
	copy(out[headerSize:], payload)
	return out
}

func unpackTuple(data []byte) (tupleHeader, []byte) {
	h := decodeTupleHeader(data[:headerSize])
	return h, data[headerSize:]
}
