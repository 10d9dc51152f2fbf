package store

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"os"

	"github.com/runsync/runsync/data"
)

// The transaction log uses the leveldb log framing. Records are split into
// chunks that never cross a 32KiB block boundary. Each chunk has a 7 byte
// header: crc32c (4 bytes), length (2 bytes), type (1 byte).
const (
	blockSize  = 32 * 1024
	headerSize = 7

	chunkFull   = 1
	chunkFirst  = 2
	chunkMiddle = 3
	chunkLast   = 4

	logIdent   = ":W&B"
	logMagic   = 0xBEE1
	logVersion = 0
)

var (
	// ErrCorrupt is returned when a chunk fails the checksum or framing is invalid
	ErrCorrupt = errors.New("transaction log corrupt")
	// ErrBadHeader is returned when a file is not a transaction log
	ErrBadHeader = errors.New("invalid transaction log header")
)

var crcTable = crc32.MakeTable(crc32.Castagnoli)

func chunkCRC(typ byte, p []byte) uint32 {
	c := crc32.Update(0, crcTable, []byte{typ})
	return crc32.Update(c, crcTable, p)
}

func fileHeader() []byte {
	h := make([]byte, 0, headerSize)
	h = append(h, logIdent...)
	h = binary.LittleEndian.AppendUint16(h, logMagic)
	return append(h, logVersion)
}

// Writer appends records to a transaction log
type Writer struct {
	f      *os.File
	w      *bufio.Writer
	offset int64
}

// CreateLog creates a new transaction log, truncating any existing file
func CreateLog(path string) (*Writer, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}

	w := &Writer{f: f, w: bufio.NewWriter(f)}

	if _, err := w.w.Write(fileHeader()); err != nil {
		f.Close()
		return nil, err
	}
	w.offset = headerSize

	return w, nil
}

// Write encodes and appends a record
func (w *Writer) Write(rec *data.Record) error {
	b, err := data.Encode(rec)
	if err != nil {
		return err
	}
	return w.WriteRaw(b)
}

// WriteRaw appends an already encoded record
func (w *Writer) WriteRaw(b []byte) error {
	first := true
	for {
		left := blockSize - int(w.offset%blockSize)
		if left < headerSize {
			// not enough room for a header, pad out the block
			if _, err := w.w.Write(make([]byte, left)); err != nil {
				return err
			}
			w.offset += int64(left)
			left = blockSize
		}

		n := left - headerSize
		if n > len(b) {
			n = len(b)
		}
		last := n == len(b)

		var typ byte
		switch {
		case first && last:
			typ = chunkFull
		case first:
			typ = chunkFirst
		case last:
			typ = chunkLast
		default:
			typ = chunkMiddle
		}

		if err := w.writeChunk(typ, b[:n]); err != nil {
			return err
		}

		b = b[n:]
		first = false

		if last {
			return nil
		}
	}
}

func (w *Writer) writeChunk(typ byte, p []byte) error {
	var h [headerSize]byte
	binary.LittleEndian.PutUint32(h[0:4], chunkCRC(typ, p))
	binary.LittleEndian.PutUint16(h[4:6], uint16(len(p)))
	h[6] = typ

	if _, err := w.w.Write(h[:]); err != nil {
		return err
	}
	if _, err := w.w.Write(p); err != nil {
		return err
	}

	w.offset += int64(headerSize + len(p))
	return nil
}

// Flush buffered records to the file
func (w *Writer) Flush() error {
	return w.w.Flush()
}

// Close flushes and closes the log
func (w *Writer) Close() error {
	err := w.w.Flush()
	if cerr := w.f.Close(); err == nil {
		err = cerr
	}
	return err
}

// Reader reads records from a transaction log
type Reader struct {
	r      *bufio.Reader
	c      io.Closer
	offset int64
}

// OpenLog opens a transaction log for reading
func OpenLog(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%v: %w", path, err)
	}
	r.c = f

	return r, nil
}

// NewReader checks the log header and returns a reader positioned at the
// first record
func NewReader(rd io.Reader) (*Reader, error) {
	r := &Reader{r: bufio.NewReader(rd)}

	h := make([]byte, headerSize)
	if _, err := io.ReadFull(r.r, h); err != nil {
		return nil, ErrBadHeader
	}

	if string(h[0:4]) != logIdent ||
		binary.LittleEndian.Uint16(h[4:6]) != logMagic ||
		h[6] != logVersion {
		return nil, ErrBadHeader
	}

	r.offset = headerSize
	return r, nil
}

// Next returns the next record. io.EOF is returned at the end of the log and
// io.ErrUnexpectedEOF if the log ends in the middle of a record.
func (r *Reader) Next() (*data.Record, error) {
	b, err := r.NextRaw()
	if err != nil {
		return nil, err
	}
	return data.Decode(b)
}

// NextRaw returns the next encoded record
func (r *Reader) NextRaw() ([]byte, error) {
	var buf []byte
	inRecord := false

	for {
		typ, p, err := r.readChunk()
		if err != nil {
			if err == io.EOF && inRecord {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, err
		}

		switch typ {
		case chunkFull:
			if inRecord {
				return nil, ErrCorrupt
			}
			return p, nil
		case chunkFirst:
			if inRecord {
				return nil, ErrCorrupt
			}
			buf = append(buf[:0], p...)
			inRecord = true
		case chunkMiddle:
			if !inRecord {
				return nil, ErrCorrupt
			}
			buf = append(buf, p...)
		case chunkLast:
			if !inRecord {
				return nil, ErrCorrupt
			}
			return append(buf, p...), nil
		default:
			return nil, ErrCorrupt
		}
	}
}

func (r *Reader) readChunk() (byte, []byte, error) {
	left := blockSize - int(r.offset%blockSize)
	if left < headerSize {
		if _, err := io.ReadFull(r.r, make([]byte, left)); err != nil {
			// padding is only written before the next chunk
			return 0, nil, io.EOF
		}
		r.offset += int64(left)
		left = blockSize
	}

	var h [headerSize]byte
	if _, err := io.ReadFull(r.r, h[:]); err != nil {
		return 0, nil, err
	}

	length := int(binary.LittleEndian.Uint16(h[4:6]))
	typ := h[6]

	if length > left-headerSize {
		return 0, nil, ErrCorrupt
	}

	p := make([]byte, length)
	if _, err := io.ReadFull(r.r, p); err != nil {
		return 0, nil, io.ErrUnexpectedEOF
	}

	if binary.LittleEndian.Uint32(h[0:4]) != chunkCRC(typ, p) {
		return 0, nil, ErrCorrupt
	}

	r.offset += int64(headerSize + length)
	return typ, p, nil
}

// Close the underlying file if the reader was created by OpenLog
func (r *Reader) Close() error {
	if r.c == nil {
		return nil
	}
	return r.c.Close()
}
