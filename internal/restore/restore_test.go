package restore

import (
	"context"
	"encoding/json"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/protoengine/frontend/internal/backend"
	"github.com/protoengine/frontend/internal/compiler"
	"github.com/protoengine/frontend/internal/config"
	"github.com/protoengine/frontend/internal/query"
	"github.com/protoengine/frontend/internal/session"
	"github.com/protoengine/frontend/internal/wire"
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

// fakeBackendServer answers every request with an immediate ReadyForQuery
// and no rows/types, which is all SQLExecute/RunDDL/Restore need for this
// round trip to proceed.
func fakeBackendServer(t *testing.T) net.Conn {
	t.Helper()
	client, server := net.Pipe()
	go func() {
		sr := wire.NewReader(server)
		sw := wire.NewWriter(server)
		for {
			mt, err := sr.ReadMessage()
			if err != nil {
				return
			}
			sr.RawRemaining()
			_ = mt
			sw.Begin('Z')
			sw.Uint8('I')
			if sw.End() != nil {
				return
			}
		}
	}()
	return client
}

type fakeView struct {
	stateTID uuid.UUID
}

func (f *fakeView) InTx() bool                                  { return false }
func (f *fakeView) TxError() bool                                { return false }
func (f *fakeView) SerializeState() (uuid.UUID, []byte)          { return f.stateTID, nil }
func (f *fakeView) DeserializeState(uuid.UUID, []byte) error     { return nil }
func (f *fakeView) StateTypeID() uuid.UUID                       { return f.stateTID }
func (f *fakeView) Start(query.Unit) error                       { return nil }
func (f *fakeView) StartImplicit(query.Unit) error                { return nil }
func (f *fakeView) OnSuccess(query.Unit, []uuid.UUID) error        { return nil }
func (f *fakeView) OnError() error                                { return nil }
func (f *fakeView) ClearTxError()                                  {}
func (f *fakeView) RollbackToSavepoint(string) error               { return nil }
func (f *fakeView) AbortTx() error                                 { return nil }
func (f *fakeView) CommitImplicitTx(any) error                     { return nil }
func (f *fakeView) ApplyConfigOps([]json.RawMessage) error          { return nil }

var _ session.View = (*fakeView)(nil)

type fixedRestoreCompiler struct {
	compiler.Client
	desc compiler.RestoreDescriptor
}

func (f fixedRestoreCompiler) DescribeDatabaseRestore(ctx context.Context, database string, schemaDDL []byte, dumpedTypes []query.TypeDescriptor) (compiler.RestoreDescriptor, error) {
	return f.desc, nil
}

func TestRunReplaysSchemaAndIngestsOneBlock(t *testing.T) {
	backendConn := fakeBackendServer(t)
	pool := backend.NewPool(testBackendConfig())
	pool.InjectTestConn(backend.NewTestConn(backendConn))
	defer pool.Close()

	objID := uuid.New()
	comp := fixedRestoreCompiler{
		Client: compiler.NewLocal(),
		desc: compiler.RestoreDescriptor{
			TypeIDMap:   map[uuid.UUID]uuid.UUID{objID: objID},
			SchemaUnits: []query.Unit{{SQL: []string{"CREATE TYPE T"}, DDLStmtID: "restore-schema", Status: "CREATE"}},
		},
	}
	adapter := session.NewAdapter(&fakeView{stateTID: uuid.New()})

	clientConn, serverSide := net.Pipe()
	r := wire.NewReader(serverSide)
	w := wire.NewWriter(serverSide)

	go func() {
		reqW := wire.NewWriter(clientConn)
		reqW.Begin('<')
		reqW.Uint16(0) // request headers
		reqW.Uint16(1) // jobs hint
		reqW.Uint16(0) // dump-header headers
		reqW.Uint16(1) // proto_major
		reqW.Uint16(0) // proto_minor
		reqW.Bytes([]byte("CREATE TYPE T"))
		reqW.Int32(0) // ntypes
		reqW.Int32(1) // nblocks
		reqW.UUID(objID)
		reqW.Bytes([]byte("type-desc"))
		reqW.Uint16(0) // ndeps
		reqW.End()
	}()

	if mt, err := r.ReadMessage(); err != nil || mt != '<' {
		t.Fatalf("reading restore request: mt=%q err=%v", mt, err)
	}

	done := make(chan error, 1)
	go func() {
		done <- Run(context.Background(), r, w, pool, comp, nil, adapter, "app")
	}()

	clientR := wire.NewReader(clientConn)

	if mt, err := clientR.ReadMessage(); err != nil || mt != '+' {
		t.Fatalf("expected RestoreReady '+', got %q err=%v", mt, err)
	}
	clientR.RawRemaining()

	dataW := wire.NewWriter(clientConn)
	dataW.Begin('=')
	dataW.Uint16(4)
	dataW.Uint16(keyBlockType)
	dataW.Bytes([]byte("DATA"))
	dataW.Uint16(keyBlockID)
	dataW.Bytes(objID[:])
	dataW.Uint16(keyBlockNum)
	dataW.Bytes([]byte("0"))
	dataW.Uint16(keyBlockData)
	dataW.Bytes([]byte("row-bytes"))
	dataW.End()

	termW := wire.NewWriter(clientConn)
	termW.Begin('.')
	termW.End()

	if mt, err := clientR.ReadMessage(); err != nil || mt != 'C' {
		t.Fatalf("expected CommandComplete 'C', got %q err=%v", mt, err)
	}

	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}
}
