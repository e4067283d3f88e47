package wire

import (
	"bytes"
	"io"
	"testing"

	"github.com/google/uuid"
)

func TestWriterReaderRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	id := uuid.New()
	w.Begin('T')
	w.Uint16(0)
	w.Int64(42)
	w.Uint8('m')
	w.UUID(id)
	w.Bytes([]byte("hello"))
	w.UTF8String("world")
	if err := w.End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	r := NewReader(&buf)
	mt, err := r.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if mt != 'T' {
		t.Fatalf("type = %q, want T", mt)
	}
	if v, _ := r.Uint16(); v != 0 {
		t.Fatalf("Uint16 = %d", v)
	}
	if v, _ := r.Int64(); v != 42 {
		t.Fatalf("Int64 = %d", v)
	}
	if v, _ := r.Uint8(); v != 'm' {
		t.Fatalf("Uint8 = %q", v)
	}
	if got, _ := r.UUID(); got != id {
		t.Fatalf("UUID = %v, want %v", got, id)
	}
	if b, _ := r.Bytes(); !bytes.Equal(b, []byte("hello")) {
		t.Fatalf("Bytes = %q", b)
	}
	if s, _ := r.UTF8String(); s != "world" {
		t.Fatalf("UTF8String = %q", s)
	}
	if err := r.Finish(); err != nil {
		t.Fatalf("Finish: %v", err)
	}
}

func TestReaderFinishRejectsTrailingBytes(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)
	w.Begin('S')
	w.Int32(1)
	w.Int32(2)
	if err := w.End(); err != nil {
		t.Fatal(err)
	}

	r := NewReader(&buf)
	if _, err := r.ReadMessage(); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Int32(); err != nil {
		t.Fatal(err)
	}
	if err := r.Finish(); err == nil {
		t.Fatal("expected Finish to reject trailing bytes")
	}
}

func TestReaderTruncatedMessageIsRejected(t *testing.T) {
	r := NewReader(bytes.NewReader([]byte{'X', 0, 0, 0, 10, 1, 2}))
	if _, err := r.ReadMessage(); err == nil {
		t.Fatal("expected error on truncated body")
	}
}

func TestReaderEOFOnCleanClose(t *testing.T) {
	r := NewReader(bytes.NewReader(nil))
	if _, err := r.ReadMessage(); err != io.EOF {
		t.Fatalf("err = %v, want io.EOF", err)
	}
}

func TestReaderRejectsOversizedLength(t *testing.T) {
	var hdr [5]byte
	hdr[0] = 'P'
	// length field says body of MaxMessageSize+100, far larger than what follows.
	big := uint32(MaxMessageSize) + 104
	hdr[1] = byte(big >> 24)
	hdr[2] = byte(big >> 16)
	hdr[3] = byte(big >> 8)
	hdr[4] = byte(big)
	r := NewReader(bytes.NewReader(hdr[:]))
	if _, err := r.ReadMessage(); err == nil {
		t.Fatal("expected oversized message to be rejected")
	}
}
