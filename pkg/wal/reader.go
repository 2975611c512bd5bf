package wal

import (
	"io"
	"os"

	kerrors "github.com/kinesis-db/kinesis/pkg/errors"
)

// Reader reads entries sequentially from a single segment file.
type Reader struct {
	file   *os.File
	offset int64
}

func NewReader(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, kerrors.Wrap(err, "open wal segment for read")
	}
	return &Reader{file: f}, nil
}

// ReadEntry reads the next entry, or io.EOF when the segment is exhausted.
func (r *Reader) ReadEntry() (*Entry, error) {
	headerBuf := make([]byte, HeaderSize)
	n, err := io.ReadFull(r.file, headerBuf)
	if err == io.EOF {
		return nil, io.EOF
	}
	if err == io.ErrUnexpectedEOF {
		return nil, io.ErrUnexpectedEOF
	}
	if err != nil {
		return nil, &kerrors.WalCorruptError{Reason: "truncated header: " + err.Error()}
	}
	if n != HeaderSize {
		return nil, io.ErrUnexpectedEOF
	}

	var h Header
	h.Decode(headerBuf)
	if h.Magic != Magic {
		return nil, &kerrors.WalCorruptError{Reason: "bad magic number"}
	}

	entry := AcquireEntry()
	entry.Header = h

	if h.PayloadLen == 0 {
		r.offset += int64(HeaderSize)
		return entry, nil
	}
	if h.PayloadLen > 1<<30 {
		ReleaseEntry(entry)
		return nil, &kerrors.WalCorruptError{Reason: "implausible payload length"}
	}

	if uint32(cap(entry.Payload)) < h.PayloadLen {
		entry.Payload = make([]byte, h.PayloadLen)
	} else {
		entry.Payload = entry.Payload[:h.PayloadLen]
	}

	if _, err := io.ReadFull(r.file, entry.Payload); err != nil {
		ReleaseEntry(entry)
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if !ValidateCRC32(entry.Payload, h.CRC32) {
		ReleaseEntry(entry)
		return nil, &kerrors.WalCorruptError{Reason: "checksum mismatch"}
	}

	r.offset += int64(HeaderSize) + int64(h.PayloadLen)
	return entry, nil
}

func (r *Reader) Close() error {
	return r.file.Close()
}

// Replay opens every segment under dir in LSN order and invokes visit for
// each entry. A truncated final record (the tail end of the last write
// before a crash) is treated as end-of-log rather than an error.
func Replay(dir string, visit func(*Entry) error) error {
	segs, err := ListSegments(dir)
	if err != nil {
		return err
	}
	for i, name := range segs {
		r, err := NewReader(segmentPath(dir, name))
		if err != nil {
			return err
		}
		for {
			e, err := r.ReadEntry()
			if err == io.EOF {
				break
			}
			if err == io.ErrUnexpectedEOF {
				if i == len(segs)-1 {
					break
				}
				r.Close()
				return &kerrors.WalCorruptError{Reason: "truncated non-final segment " + name}
			}
			if err != nil {
				r.Close()
				return err
			}
			if verr := visit(e); verr != nil {
				r.Close()
				return verr
			}
			ReleaseEntry(e)
		}
		r.Close()
	}
	return nil
}
