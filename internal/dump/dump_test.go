package dump

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/protoengine/frontend/internal/backend"
	"github.com/protoengine/frontend/internal/compiler"
	"github.com/protoengine/frontend/internal/config"
	"github.com/protoengine/frontend/internal/wire"
)

const (
	beSimpleExec byte = 'q'
	beReady      byte = 'Z'
	beDumpStart  byte = 'u'
	beDumpBlock  byte = 'b'
	beDumpDone   byte = 'Z'
)

func minInt(v int) *int                  { return &v }
func dur(d time.Duration) *time.Duration { return &d }

func testBackendConfig() config.BackendConfig {
	return config.BackendConfig{
		Host: "127.0.0.1", Port: 5432, Database: "app", Username: "engine", Password: "secret",
		MinConnections: minInt(0), MaxConnections: minInt(4),
		IdleTimeout: dur(time.Minute), MaxLifetime: dur(time.Hour),
		AcquireTimeout: dur(time.Second), DialTimeout: dur(time.Second),
	}
}

// fakeBackendServer answers one SQLExecute (the snapshot open) with an
// immediate ReadyForQuery, then one Dump request with two data blocks
// followed by DumpDone.
func fakeBackendServer(t *testing.T, blocks [][]byte) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		sr := wire.NewReader(server)
		sw := wire.NewWriter(server)

		mt, err := sr.ReadMessage()
		if err != nil || mt != beSimpleExec {
			return
		}
		sr.RawRemaining()
		sw.Begin(beReady)
		sw.Uint8('I')
		sw.End()

		mt, err = sr.ReadMessage()
		if err != nil || mt != beDumpStart {
			return
		}
		sr.Finish()

		for _, b := range blocks {
			sw.Begin(beDumpBlock)
			sw.Bytes(b)
			sw.End()
		}
		sw.Begin(beDumpDone)
		sw.Uint8('I')
		sw.End()
	}()
	return client
}

func newTestPool(t *testing.T, conn net.Conn) *backend.Pool {
	p := backend.NewPool(testBackendConfig())
	p.InjectTestConn(backend.NewTestConn(conn))
	return p
}

type fixedDumpCompiler struct {
	compiler.Client
	desc compiler.DumpDescriptor
}

func (f fixedDumpCompiler) DescribeDatabaseDump(ctx context.Context, database string) (compiler.DumpDescriptor, error) {
	return f.desc, nil
}

func TestRunStreamsBlocksAndEmitsCommandComplete(t *testing.T) {
	blockA := []byte("block-a")
	blockB := []byte("block-b")
	serverConn := fakeBackendServer(t, [][]byte{blockA, blockB})
	pool := newTestPool(t, serverConn)
	defer pool.Close()

	objID := uuid.New()
	desc := compiler.DumpDescriptor{
		SchemaDDL: []string{"CREATE TYPE T"},
		Blocks:    []compiler.DumpBlock{{ObjectID: objID}, {ObjectID: uuid.New()}},
	}
	c := fixedDumpCompiler{Client: compiler.NewLocal(), desc: desc}

	clientConn, serverSide := net.Pipe()
	r := wire.NewReader(serverSide)
	w := wire.NewWriter(serverSide)

	go func() {
		reqW := wire.NewWriter(clientConn)
		reqW.Begin('>')
		reqW.Uint16(0)
		reqW.End()
	}()

	if mt, err := r.ReadMessage(); err != nil || mt != '>' {
		t.Fatalf("reading dump request: mt=%q err=%v", mt, err)
	}

	go func() {
		if err := Run(context.Background(), r, w, pool, c, nil, "app", 1, 0, 2); err != nil {
			t.Errorf("Run: %v", err)
		}
	}()

	clientR := wire.NewReader(clientConn)

	mt, err := clientR.ReadMessage()
	if err != nil || mt != '@' {
		t.Fatalf("expected DumpHeader '@', got %q err=%v", mt, err)
	}
	clientR.RawRemaining()

	gotBlocks := 0
	for {
		mt, err := clientR.ReadMessage()
		if err != nil {
			t.Fatalf("reading message: %v", err)
		}
		if mt == 'C' {
			break
		}
		if mt != '=' {
			t.Fatalf("unexpected message %q", mt)
		}
		clientR.RawRemaining()
		gotBlocks++
	}
	if gotBlocks != 2 {
		t.Fatalf("got %d data blocks, want 2", gotBlocks)
	}
}
