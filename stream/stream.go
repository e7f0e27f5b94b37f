// Package stream provides the ordered, fixed-width big-endian read/write
// primitives that back device snapshot streams. Field widths and order are
// part of the wire format: a value written with PutUint32 must be read back
// with GetUint32 at the same position.
//
// Errors are sticky. Once a read or write fails, every subsequent call is a
// no-op and Err returns the first failure, so callers can serialize a whole
// structure and check the error once at the end.
package stream

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// Writer serializes fixed-width big-endian fields to an underlying io.Writer.
type Writer struct {
	w   io.Writer
	err error
	buf [8]byte
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Err returns the first error encountered by any Put or Write call.
func (w *Writer) Err() error {
	return w.err
}

func (w *Writer) PutUint16(value uint16) {
	if w.err != nil {
		return
	}
	binary.BigEndian.PutUint16(w.buf[:2], value)
	_, w.err = w.w.Write(w.buf[:2])
}

func (w *Writer) PutUint32(value uint32) {
	if w.err != nil {
		return
	}
	binary.BigEndian.PutUint32(w.buf[:4], value)
	_, w.err = w.w.Write(w.buf[:4])
}

func (w *Writer) PutUint64(value uint64) {
	if w.err != nil {
		return
	}
	binary.BigEndian.PutUint64(w.buf[:8], value)
	_, w.err = w.w.Write(w.buf[:8])
}

// PutString writes a uint32 byte length followed by the raw bytes of s.
func (w *Writer) PutString(s string) {
	w.PutUint32(uint32(len(s)))
	w.Write([]byte(s))
}

// Write emits a raw run of bytes with no length prefix.
func (w *Writer) Write(data []byte) {
	if w.err != nil {
		return
	}
	_, w.err = w.w.Write(data)
}

// Reader deserializes fixed-width big-endian fields from an underlying io.Reader.
type Reader struct {
	r   io.Reader
	err error
	buf [8]byte
}

func NewReader(r io.Reader) *Reader {
	return &Reader{r: r}
}

// Err returns the first error encountered by any Get or Read call.
func (r *Reader) Err() error {
	return r.err
}

func (r *Reader) GetUint16() uint16 {
	if r.err != nil {
		return 0
	}
	_, r.err = io.ReadFull(r.r, r.buf[:2])
	if r.err != nil {
		return 0
	}
	return binary.BigEndian.Uint16(r.buf[:2])
}

func (r *Reader) GetUint32() uint32 {
	if r.err != nil {
		return 0
	}
	_, r.err = io.ReadFull(r.r, r.buf[:4])
	if r.err != nil {
		return 0
	}
	return binary.BigEndian.Uint32(r.buf[:4])
}

func (r *Reader) GetUint64() uint64 {
	if r.err != nil {
		return 0
	}
	_, r.err = io.ReadFull(r.r, r.buf[:8])
	if r.err != nil {
		return 0
	}
	return binary.BigEndian.Uint64(r.buf[:8])
}

// GetString reads a uint32 byte length followed by that many raw bytes.
func (r *Reader) GetString() string {
	length := r.GetUint32()
	if r.err != nil {
		return ""
	}
	const maxStringLength = 1 << 20
	if length > maxStringLength {
		r.err = errors.Errorf("string length %d exceeds limit %d", length, maxStringLength)
		return ""
	}
	data := make([]byte, length)
	r.Read(data)
	if r.err != nil {
		return ""
	}
	return string(data)
}

// Read fills data with a raw run of bytes, failing if the stream is short.
func (r *Reader) Read(data []byte) {
	if r.err != nil {
		return
	}
	_, r.err = io.ReadFull(r.r, data)
}
