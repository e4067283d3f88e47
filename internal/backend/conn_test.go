package backend

import (
	"bufio"
	"context"
	"net"
	"testing"
	"time"

	"github.com/protoengine/frontend/internal/query"
	"github.com/protoengine/frontend/internal/wire"
)

// newTestConn wires a Conn directly to one end of an in-memory pipe, with
// the other end driven by the test as a fake backend — no handshake.
func newTestConn() (*Conn, net.Conn) {
	client, server := net.Pipe()
	c := &Conn{
		conn:      client,
		r:         wire.NewReader(bufio.NewReader(client)),
		w:         wire.NewWriter(client),
		createdAt: time.Now(),
		lastUsed:  time.Now(),
	}
	return c, server
}

func writeReady(t *testing.T, w *wire.Writer, status byte) {
	t.Helper()
	w.Begin('Z')
	w.Uint8(status)
	if err := w.End(); err != nil {
		t.Fatalf("writeReady: %v", err)
	}
}

func TestConnSQLExecuteCollectsRowsAndState(t *testing.T) {
	c, server := newTestConn()
	defer server.Close()

	go func() {
		r := wire.NewReader(bufio.NewReader(server))
		r.ReadMessage() // consume the 'q' request
		r.Finish()

		w := wire.NewWriter(server)
		w.Begin('D')
		w.Bytes([]byte("row-one"))
		w.End()
		w.Begin('D')
		w.Bytes([]byte("row-two"))
		w.End()
		writeReady(t, w, 'I')
	}()

	rows, err := c.SQLExecute(context.Background(), query.Unit{SQL: []string{"select 1"}}, []byte("state-blob"))
	if err != nil {
		t.Fatalf("SQLExecute: %v", err)
	}
	if len(rows) != 2 || string(rows[0]) != "row-one" || string(rows[1]) != "row-two" {
		t.Fatalf("rows = %v", rows)
	}
	if string(c.LastState()) != "state-blob" {
		t.Fatalf("LastState = %q", c.LastState())
	}
	if c.InTx() {
		t.Fatalf("expected not in tx after status 'I'")
	}
}

func TestConnSQLExecutePropagatesBackendError(t *testing.T) {
	c, server := newTestConn()
	defer server.Close()

	go func() {
		r := wire.NewReader(bufio.NewReader(server))
		r.ReadMessage()
		r.Finish()

		w := wire.NewWriter(server)
		w.Begin('E')
		w.Uint8('E')
		w.Int32(42)
		w.UTF8String("syntax error at or near \"select\"")
		w.End()
	}()

	_, err := c.SQLExecute(context.Background(), query.Unit{SQL: []string{"bad sql"}}, nil)
	if err == nil {
		t.Fatalf("expected error from backend")
	}
}

func TestConnParseExecuteReportsInTxAfterStatusT(t *testing.T) {
	c, server := newTestConn()
	defer server.Close()

	go func() {
		r := wire.NewReader(bufio.NewReader(server))
		r.ReadMessage()
		r.Finish()

		w := wire.NewWriter(server)
		w.Begin('N')
		w.UUID([16]byte{1, 2, 3})
		w.Bytes([]byte("type-desc"))
		w.End()
		writeReady(t, w, 'T')
	}()

	_, newTypes, err := c.ParseExecute(context.Background(), query.Unit{SQL: []string{"insert into t values ($1)"}}, []byte("args"), []byte("state"))
	if err != nil {
		t.Fatalf("ParseExecute: %v", err)
	}
	if len(newTypes) != 1 {
		t.Fatalf("newTypes = %v", newTypes)
	}
	if !c.InTx() {
		t.Fatalf("expected in tx after status 'T'")
	}
}

func TestConnDumpStreamsBlocksAndClosesChannel(t *testing.T) {
	c, server := newTestConn()
	defer server.Close()

	go func() {
		r := wire.NewReader(bufio.NewReader(server))
		r.ReadMessage() // dump start
		r.Finish()

		w := wire.NewWriter(server)
		w.Begin('b')
		w.Bytes([]byte("block-1"))
		w.End()
		w.Begin('b')
		w.Bytes([]byte("block-2"))
		w.End()
		w.Begin('Z')
		w.Uint8('I')
		w.End()
	}()

	blocks := make(chan []byte, 4)
	if err := c.Dump(context.Background(), blocks); err != nil {
		t.Fatalf("Dump: %v", err)
	}

	var got [][]byte
	for b := range blocks {
		got = append(got, b)
	}
	if len(got) != 2 || string(got[0]) != "block-1" || string(got[1]) != "block-2" {
		t.Fatalf("blocks = %v", got)
	}
}

func TestConnForceErrorSendsFrame(t *testing.T) {
	c, server := newTestConn()
	defer server.Close()

	done := make(chan struct{})
	go func() {
		defer close(done)
		r := wire.NewReader(bufio.NewReader(server))
		mt, err := r.ReadMessage()
		if err != nil {
			t.Errorf("server read: %v", err)
			return
		}
		if mt != 'f' {
			t.Errorf("expected force-error frame, got %q", mt)
		}
		r.Finish()

		w := wire.NewWriter(server)
		writeReady(t, w, 'I')
	}()

	if err := c.ForceError(context.Background()); err != nil {
		t.Fatalf("ForceError: %v", err)
	}
	<-done
}
