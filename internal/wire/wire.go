// Package wire implements the length-prefixed binary frame codec shared by
// every message on the connection: "u8 type | i32 length | body", all
// multi-byte integers big-endian.
package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"unicode/utf8"

	"github.com/google/uuid"
)

// MaxMessageSize bounds a single frame body to guard against a corrupt or
// hostile length field running the reader out of memory.
const MaxMessageSize = 512 * 1024 * 1024

// ProtocolError is raised for malformed framing: wrong message type, bad
// header shape, trailing bytes, an unknown format byte. It is the wire
// package's only error type — higher layers translate it into the
// engine-wide BinaryProtocolError.
type ProtocolError struct {
	Msg string
}

func (e *ProtocolError) Error() string { return "binary protocol error: " + e.Msg }

func protoErrorf(format string, args ...any) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...)}
}

// Reader reads one framed message at a time from an underlying stream.
// It is not safe for concurrent use — each connection owns exactly one.
type Reader struct {
	src     *bufio.Reader
	msgType byte
	body    []byte
	pos     int
}

// NewReader wraps r with buffering sized for typical protocol chatter.
func NewReader(r io.Reader) *Reader {
	return &Reader{src: bufio.NewReaderSize(r, 16*1024)}
}

// ReadMessage blocks until the next full frame has arrived, then makes it
// available to the typed read methods below. It returns io.EOF verbatim
// when the peer closed the connection cleanly before sending a byte of a
// new message.
func (r *Reader) ReadMessage() (msgType byte, err error) {
	t, err := r.src.ReadByte()
	if err != nil {
		return 0, err
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r.src, lenBuf[:]); err != nil {
		return 0, fmt.Errorf("reading message length: %w", err)
	}
	length := int32(binary.BigEndian.Uint32(lenBuf[:]))
	if length < 4 {
		return 0, protoErrorf("message length %d smaller than its own header", length)
	}
	bodyLen := int(length) - 4
	if bodyLen > MaxMessageSize {
		return 0, protoErrorf("message body %d exceeds maximum %d", bodyLen, MaxMessageSize)
	}
	body := make([]byte, bodyLen)
	if bodyLen > 0 {
		if _, err := io.ReadFull(r.src, body); err != nil {
			return 0, fmt.Errorf("reading message body: %w", err)
		}
	}
	r.msgType = t
	r.body = body
	r.pos = 0
	return t, nil
}

// MessageType returns the type byte of the message currently being read.
func (r *Reader) MessageType() byte { return r.msgType }

// Remaining reports how many unconsumed bytes are left in the current
// message body.
func (r *Reader) Remaining() int { return len(r.body) - r.pos }

func (r *Reader) take(n int) ([]byte, error) {
	if r.pos+n > len(r.body) {
		return nil, protoErrorf("message truncated: need %d bytes, have %d", n, len(r.body)-r.pos)
	}
	b := r.body[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

// Uint8 reads a single unsigned byte.
func (r *Reader) Uint8() (byte, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Uint16 reads a big-endian u16.
func (r *Reader) Uint16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

// Int32 reads a big-endian signed i32.
func (r *Reader) Int32() (int32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return int32(binary.BigEndian.Uint32(b)), nil
}

// Int64 reads a big-endian signed i64.
func (r *Reader) Int64() (int64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return int64(binary.BigEndian.Uint64(b)), nil
}

// UUID reads a raw 16-byte id.
func (r *Reader) UUID() (uuid.UUID, error) {
	b, err := r.take(16)
	if err != nil {
		return uuid.Nil, err
	}
	var u uuid.UUID
	copy(u[:], b)
	return u, nil
}

// Bytes reads an i32-length-prefixed byte string.
func (r *Reader) Bytes() ([]byte, error) {
	n, err := r.Int32()
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, protoErrorf("negative length-prefixed size %d", n)
	}
	b, err := r.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out, nil
}

// UTF8String reads a length-prefixed byte string and validates it as UTF-8.
func (r *Reader) UTF8String() (string, error) {
	b, err := r.Bytes()
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", protoErrorf("invalid utf-8 in length-prefixed string")
	}
	return string(b), nil
}

// RawRemaining returns every unconsumed byte of the current message body
// and advances past it. Used for fields the spec defines as "the rest of
// the message", such as the SASL challenge payloads in the `R` message.
func (r *Reader) RawRemaining() []byte {
	b := r.body[r.pos:]
	r.pos = len(r.body)
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// Finish asserts the message body has been fully consumed, matching the
// spec's finish_message(): any unread trailing bytes are a protocol error.
func (r *Reader) Finish() error {
	if r.pos != len(r.body) {
		return protoErrorf("%d unread trailing bytes in message %q", len(r.body)-r.pos, string(r.msgType))
	}
	return nil
}

// Writer builds one framed message at a time into a growable buffer.
type Writer struct {
	dst     io.Writer
	buf     []byte
	lenAt   int
	started bool
}

// NewWriter wraps the destination stream.
func NewWriter(dst io.Writer) *Writer {
	return &Writer{dst: dst}
}

// Begin starts a new message of the given type. It is an error to call
// Begin again before the previous message was End()ed.
func (w *Writer) Begin(msgType byte) {
	if w.started {
		panic("wire: Begin called while a message is already in progress")
	}
	w.started = true
	w.buf = append(w.buf, msgType)
	w.lenAt = len(w.buf)
	w.buf = append(w.buf, 0, 0, 0, 0)
}

func (w *Writer) Uint8(v byte) { w.buf = append(w.buf, v) }

func (w *Writer) Uint16(v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) Int32(v int32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) Int64(v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	w.buf = append(w.buf, b[:]...)
}

func (w *Writer) UUID(u uuid.UUID) {
	w.buf = append(w.buf, u[:]...)
}

// Bytes writes an i32-length-prefixed byte string.
func (w *Writer) Bytes(b []byte) {
	w.Int32(int32(len(b)))
	w.buf = append(w.buf, b...)
}

// UTF8String writes a length-prefixed UTF-8 string.
func (w *Writer) UTF8String(s string) {
	w.Bytes([]byte(s))
}

// Raw appends pre-encoded bytes verbatim — used for the handful of
// reserved/idiosyncratic fields the spec requires byte-for-byte (such as
// the K message's 32 reserved zero bytes).
func (w *Writer) Raw(b []byte) {
	w.buf = append(w.buf, b...)
}

// End backfills the message length and flushes it to the destination
// stream immediately (the connection is single-threaded per spec §5, so
// there is no benefit to batching multiple messages before a write).
func (w *Writer) End() error {
	if !w.started {
		panic("wire: End called with no message in progress")
	}
	length := uint32(len(w.buf) - w.lenAt)
	binary.BigEndian.PutUint32(w.buf[w.lenAt:w.lenAt+4], length)
	_, err := w.dst.Write(w.buf)
	w.buf = w.buf[:0]
	w.started = false
	return err
}
