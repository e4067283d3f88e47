package engine

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"

	"github.com/protoengine/frontend/internal/backend"
	"github.com/protoengine/frontend/internal/compiler"
	"github.com/protoengine/frontend/internal/query"
	"github.com/protoengine/frontend/internal/session"
	"github.com/protoengine/frontend/internal/wire"
)

type fakeView struct {
	inTx, txErr bool
	stateTID    uuid.UUID
}

func (f *fakeView) InTx() bool                               { return f.inTx }
func (f *fakeView) TxError() bool                            { return f.txErr }
func (f *fakeView) SerializeState() (uuid.UUID, []byte)      { return f.stateTID, nil }
func (f *fakeView) DeserializeState(uuid.UUID, []byte) error { return nil }
func (f *fakeView) StateTypeID() uuid.UUID                   { return f.stateTID }
func (f *fakeView) Start(query.Unit) error                   { return nil }
func (f *fakeView) StartImplicit(query.Unit) error           { return nil }
func (f *fakeView) OnSuccess(query.Unit, []uuid.UUID) error  { return nil }
func (f *fakeView) OnError() error                           { return nil }
func (f *fakeView) ClearTxError()                            {}
func (f *fakeView) RollbackToSavepoint(string) error         { return nil }
func (f *fakeView) AbortTx() error                            { return nil }
func (f *fakeView) CommitImplicitTx(any) error                { return nil }
func (f *fakeView) ApplyConfigOps([]json.RawMessage) error    { return nil }

var _ session.View = (*fakeView)(nil)

type fakeChannel struct {
	rows      [][]byte
	newTypes  []query.TypeDescriptor
	inTx      bool
	lastState []byte
	execErr   error
}

func (f *fakeChannel) SQLExecute(ctx context.Context, u query.Unit, state []byte) ([][]byte, error) {
	f.lastState = state
	return f.rows, f.execErr
}
func (f *fakeChannel) ParseExecute(ctx context.Context, u query.Unit, bindArgs, state []byte) ([][]byte, []query.TypeDescriptor, error) {
	f.lastState = state
	return f.rows, f.newTypes, f.execErr
}
func (f *fakeChannel) RunDDL(ctx context.Context, sql string, state []byte) ([]query.TypeDescriptor, error) {
	f.lastState = state
	return f.newTypes, f.execErr
}
func (f *fakeChannel) Dump(ctx context.Context, blocks chan<- []byte) error { close(blocks); return nil }
func (f *fakeChannel) Restore(ctx context.Context, block []byte, m map[uuid.UUID]uuid.UUID) error {
	return nil
}
func (f *fakeChannel) ForceError(ctx context.Context) error { return nil }
func (f *fakeChannel) InTx() bool                            { return f.inTx }
func (f *fakeChannel) LastState() []byte                     { return f.lastState }

var _ backend.Channel = (*fakeChannel)(nil)

// fakeCompiler implements compiler.Client, with only Compile configurable;
// the other methods are never exercised by Parse/Execute.
type fakeCompiler struct {
	group query.Group
	err   error
}

func (f *fakeCompiler) Compile(ctx context.Context, req query.RequestInfo) (query.Group, error) {
	return f.group, f.err
}
func (f *fakeCompiler) DescribeDatabaseDump(ctx context.Context, database string) (compiler.DumpDescriptor, error) {
	return compiler.DumpDescriptor{}, nil
}
func (f *fakeCompiler) DescribeDatabaseRestore(ctx context.Context, database string, schemaDDL []byte, dumpedTypes []query.TypeDescriptor) (compiler.RestoreDescriptor, error) {
	return compiler.RestoreDescriptor{}, nil
}
func (f *fakeCompiler) AnalyzeExplainOutput(ctx context.Context, raw []byte) ([]byte, error) {
	return raw, nil
}
func (f *fakeCompiler) InterpretBackendError(ctx context.Context, raw error) (int32, map[uint16]string) {
	return 0, nil
}

var _ compiler.Client = (*fakeCompiler)(nil)

func singleSelectGroup(cacheable bool) query.Group {
	return query.Group{Units: []query.Unit{{
		SQL:         []string{"select 1"},
		Status:      "SELECT",
		Cardinality: query.CardinalityAtMostOne,
		Cacheable:   cacheable,
	}}}
}

func buildRequestBody(w *wire.Writer, q string, caps query.Capabilities) {
	w.Uint16(0) // headers
	w.Int64(int64(caps))
	w.Int64(0)
	w.Int64(0)
	w.Uint8('b')
	w.Uint8('o')
	w.UTF8String(q)
	w.UUID(uuid.Nil)
	w.Bytes(nil)
}

func buildParseMessage(q string) []byte {
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	w.Begin('P')
	buildRequestBody(w, q, 0)
	w.End()
	return buf.Bytes()
}

func buildExecuteMessage(q string, inTID, outTID uuid.UUID, caps query.Capabilities) []byte {
	var buf bytes.Buffer
	w := wire.NewWriter(&buf)
	w.Begin('O')
	buildRequestBody(w, q, caps)
	w.UUID(inTID)
	w.UUID(outTID)
	w.Bytes(nil)
	w.End()
	return buf.Bytes()
}

func readOneMessage(t *testing.T, raw []byte) *wire.Reader {
	t.Helper()
	r := wire.NewReader(bufio.NewReader(bytes.NewReader(raw)))
	if _, err := r.ReadMessage(); err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	return r
}

func TestParseEmitsCommandDataDescriptionAndCachesLastAnon(t *testing.T) {
	group := singleSelectGroup(true)
	adapter := session.NewAdapter(&fakeView{})
	eng := New(adapter, &fakeCompiler{group: group}, nil, 7, 0)

	r := readOneMessage(t, buildParseMessage("select 1"))
	var out bytes.Buffer
	w := wire.NewWriter(&out)
	if err := eng.Parse(context.Background(), r, w); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	outR := wire.NewReader(bufio.NewReader(&out))
	mt, err := outR.ReadMessage()
	if err != nil || mt != 'T' {
		t.Fatalf("expected T frame, got %q err=%v", mt, err)
	}

	h := query.RequestInfo{TokenizedSource: "select 1", ProtocolMajor: 7, ExpectOne: true, OutputFormat: query.FormatBinary}.Hash()
	if _, ok := adapter.TakeLastAnonCompiled(h); !ok {
		t.Fatalf("expected Parse to populate last_anon_compiled")
	}
}

func TestExecuteSingleStatementEmitsCommandComplete(t *testing.T) {
	group := singleSelectGroup(true)
	adapter := session.NewAdapter(&fakeView{})
	eng := New(adapter, &fakeCompiler{group: group}, nil, 7, 0)
	ch := &fakeChannel{}

	r := readOneMessage(t, buildExecuteMessage("select 1", uuid.Nil, uuid.Nil, ^query.Capabilities(0)))
	var out bytes.Buffer
	w := wire.NewWriter(&out)
	if err := eng.Execute(context.Background(), r, w, ch); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	outR := wire.NewReader(bufio.NewReader(&out))
	mt, err := outR.ReadMessage()
	if err != nil || mt != 'C' {
		t.Fatalf("expected C frame, got %q err=%v", mt, err)
	}
}

func TestExecuteRejectsDisabledCapability(t *testing.T) {
	group := query.Group{Units: []query.Unit{{
		SQL:          []string{"create table t()"},
		Status:       "CREATE TABLE",
		Cardinality:  query.CardinalityNoResult,
		Capabilities: query.CapDDL,
		Cacheable:    true,
	}}}
	adapter := session.NewAdapter(&fakeView{})
	eng := New(adapter, &fakeCompiler{group: group}, nil, 7, 0)
	ch := &fakeChannel{}

	r := readOneMessage(t, buildExecuteMessage("create table t()", uuid.Nil, uuid.Nil, query.CapModifications))
	var out bytes.Buffer
	w := wire.NewWriter(&out)
	err := eng.Execute(context.Background(), r, w, ch)
	if err == nil {
		t.Fatalf("expected DisabledCapabilityError")
	}
}

func TestExecuteFastPathUsesLastAnonCompiled(t *testing.T) {
	group := singleSelectGroup(true)
	adapter := session.NewAdapter(&fakeView{})
	compilerCalls := 0
	counting := &countingCompiler{fakeCompiler: fakeCompiler{group: group}, calls: &compilerCalls}
	eng := New(adapter, counting, nil, 7, 0)

	parseR := readOneMessage(t, buildParseMessage("select 1"))
	var parseOut bytes.Buffer
	if err := eng.Parse(context.Background(), parseR, wire.NewWriter(&parseOut)); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if compilerCalls != 1 {
		t.Fatalf("expected 1 compile call after Parse, got %d", compilerCalls)
	}

	ch := &fakeChannel{}
	execR := readOneMessage(t, buildExecuteMessage("select 1", group.Units[0].InType.ID, group.Units[0].OutType.ID, 0))
	var execOut bytes.Buffer
	if err := eng.Execute(context.Background(), execR, wire.NewWriter(&execOut), ch); err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if compilerCalls != 1 {
		t.Fatalf("expected Execute to reuse last_anon_compiled without recompiling, calls=%d", compilerCalls)
	}
}

type countingCompiler struct {
	fakeCompiler
	calls *int
}

func (c *countingCompiler) Compile(ctx context.Context, req query.RequestInfo) (query.Group, error) {
	*c.calls++
	return c.fakeCompiler.Compile(ctx, req)
}
