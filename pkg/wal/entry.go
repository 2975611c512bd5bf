package wal

import (
	"encoding/binary"
	"io"
)

// Header is encoded ahead of every WAL entry's payload.
const (
	HeaderSize = 40 // Magic(4) Version(1) EntryType(1) Reserved(2) LSN(8) TxnID(8) PrevLSN(8) PayloadLen(4) CRC32(4)
	Version    = 1
	Magic      = 0xDEADBEEF
)

// EntryType enumerates the kinds of records the log carries.
const (
	EntryInsert uint8 = iota + 1
	EntryUpdate
	EntryDelete
	EntryBegin
	EntryCommit
	EntryAbort
	EntrySchemaChange
	EntryCheckpoint
	EntryCompensation // CLR: records an undo performed during recovery
	EntryDropTable
)

// Header is the fixed-size prefix of every entry.
type Header struct {
	Magic      uint32
	Version    uint8
	EntryType  uint8
	Reserved   uint16
	LSN        uint64
	TxnID      uint64 // 0 for entries not tied to a transaction (checkpoint)
	PrevLSN    uint64 // LSN of this transaction's previous entry, 0 if first
	PayloadLen uint32
	CRC32      uint32
}

func (h *Header) Encode(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.Magic)
	buf[4] = h.Version
	buf[5] = h.EntryType
	binary.LittleEndian.PutUint16(buf[6:8], h.Reserved)
	binary.LittleEndian.PutUint64(buf[8:16], h.LSN)
	binary.LittleEndian.PutUint64(buf[16:24], h.TxnID)
	binary.LittleEndian.PutUint64(buf[24:32], h.PrevLSN)
	binary.LittleEndian.PutUint32(buf[32:36], h.PayloadLen)
	binary.LittleEndian.PutUint32(buf[36:40], h.CRC32)
}

func (h *Header) Decode(buf []byte) {
	h.Magic = binary.LittleEndian.Uint32(buf[0:4])
	h.Version = buf[4]
	h.EntryType = buf[5]
	h.Reserved = binary.LittleEndian.Uint16(buf[6:8])
	h.LSN = binary.LittleEndian.Uint64(buf[8:16])
	h.TxnID = binary.LittleEndian.Uint64(buf[16:24])
	h.PrevLSN = binary.LittleEndian.Uint64(buf[24:32])
	h.PayloadLen = binary.LittleEndian.Uint32(buf[32:36])
	h.CRC32 = binary.LittleEndian.Uint32(buf[36:40])
}

// Entry is one record: a header plus its opaque, CRC-protected payload.
type Entry struct {
	Header  Header
	Payload []byte
}

func (e *Entry) WriteTo(w io.Writer) (int64, error) {
	var buf [HeaderSize]byte
	e.Header.CRC32 = CalculateCRC32(e.Payload)
	e.Header.PayloadLen = uint32(len(e.Payload))
	e.Header.Encode(buf[:])

	n, err := w.Write(buf[:])
	if err != nil {
		return int64(n), err
	}
	m, err := w.Write(e.Payload)
	return int64(n + m), err
}
