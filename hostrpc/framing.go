package hostrpc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// frameWriter accumulates a request payload using the method-specific,
// fixed-size-fields-plus-length-prefixed-blobs discipline spec §4.B and §6
// describe. Every blob is prefixed by a little-endian u32 length.
type frameWriter struct {
	buf []byte
}

func newFrame(method Method) *frameWriter {
	return &frameWriter{buf: []byte{byte(method)}}
}

func (w *frameWriter) u32(v uint32) *frameWriter {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *frameWriter) u64(v uint64) *frameWriter {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	w.buf = append(w.buf, b[:]...)
	return w
}

func (w *frameWriter) byteField(b byte) *frameWriter {
	w.buf = append(w.buf, b)
	return w
}

func (w *frameWriter) fixed(b []byte) *frameWriter {
	w.buf = append(w.buf, b...)
	return w
}

func (w *frameWriter) blob(b []byte) *frameWriter {
	w.u32(uint32(len(b)))
	w.buf = append(w.buf, b...)
	return w
}

func (w *frameWriter) bytes() []byte { return w.buf }

// frameReader parses a response: one error byte, then method-specific
// fields read directly off the connection.
type frameReader struct {
	r io.Reader
}

func (r *frameReader) errorCode() (ErrorCode, error) {
	var b [1]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, fmt.Errorf("hostrpc: read error code: %w", err)
	}
	return ErrorCode(b[0]), nil
}

func (r *frameReader) u32() (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, fmt.Errorf("hostrpc: read u32: %w", err)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func (r *frameReader) u64() (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, fmt.Errorf("hostrpc: read u64: %w", err)
	}
	return binary.LittleEndian.Uint64(b[:]), nil
}

func (r *frameReader) byteField() (byte, error) {
	var b [1]byte
	if _, err := io.ReadFull(r.r, b[:]); err != nil {
		return 0, fmt.Errorf("hostrpc: read byte: %w", err)
	}
	return b[0], nil
}

func (r *frameReader) fixed(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := io.ReadFull(r.r, b); err != nil {
		return nil, fmt.Errorf("hostrpc: read fixed(%d): %w", n, err)
	}
	return b, nil
}

func (r *frameReader) blob() ([]byte, error) {
	n, err := r.u32()
	if err != nil {
		return nil, err
	}
	return r.fixed(int(n))
}
