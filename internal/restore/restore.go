// Package restore implements the restore engine (spec.md §4.G): dump
// header parsing, schema replay, trigger suspension, and type-id mending
// during data ingestion (the one remap table from the restore descriptor
// is applied to every block; no per-block table is built).
//
// Grounded on the same pool/transaction idiom as internal/dump; the
// trigger-disable/enable statement pairing mirrors the teacher's
// resetAndReturn/cleanupBackend symmetric try/rollback idiom in
// proxy/pg_relay.go.
package restore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/protoengine/frontend/internal/backend"
	"github.com/protoengine/frontend/internal/compiler"
	"github.com/protoengine/frontend/internal/errs"
	"github.com/protoengine/frontend/internal/metrics"
	"github.com/protoengine/frontend/internal/query"
	"github.com/protoengine/frontend/internal/session"
	"github.com/protoengine/frontend/internal/wire"
)

const (
	keyBlockType = 0x0001
	keyBlockID   = 0x0101
	keyBlockNum  = 0x0102
	keyBlockData = 0x0103
)

// DumpVersionMin and DumpVersionMax bound the dump protocol versions this
// restore engine will accept (spec.md §4.G step 2).
const (
	DumpVersionMin uint16 = 1
	DumpVersionMax uint16 = 7
)

type dumpBlockHeader struct {
	objectID uuid.UUID
	typeDesc []byte
}

// Run executes one restore request end to end. Precondition: the caller
// has already confirmed !view.InTx().
func Run(ctx context.Context, r *wire.Reader, w *wire.Writer, pool *backend.Pool, c compiler.Client, m *metrics.Collector, adapter *session.Adapter, database string) error {
	start := time.Now()

	if err := rejectNonEmptyHeaders(r); err != nil {
		return err
	}
	if _, err := r.Uint16(); err != nil { // jobs hint, ignored
		return errs.BinaryProtocolError("reading jobs hint: %v", err)
	}

	schemaDDL, blocks, protoMajor, protoMinor, err := readDumpHeader(r)
	if err != nil {
		return err
	}
	if protoMajor < DumpVersionMin || protoMajor > DumpVersionMax {
		return errs.UnsupportedFeatureError("dump protocol version %d.%d is outside the supported range", protoMajor, protoMinor)
	}

	_, preferState := adapter.View.SerializeState()
	conn, err := pool.Acquire(ctx, preferState)
	if err != nil {
		return errs.BackendUnavailableError("acquiring backend connection for restore: %v", err)
	}
	defer pool.Return(conn)

	if _, err := conn.SQLExecute(ctx, query.Unit{SQL: []string{
		"START TRANSACTION ISOLATION SERIALIZABLE",
		"SET LOCAL idle_in_transaction_session_timeout = 0",
		"SET LOCAL statement_timeout = 0",
	}}, nil); err != nil {
		return errs.BackendError("opening restore transaction: %v", err)
	}

	var dumpedTypes []query.TypeDescriptor
	// readDumpHeader reads and discards the header's type list; the types
	// for the mending request are taken from the dump header's blocks.
	for _, b := range blocks {
		dumpedTypes = append(dumpedTypes, query.TypeDescriptor{ID: b.objectID, Encoded: b.typeDesc})
	}

	desc, err := c.DescribeDatabaseRestore(ctx, database, schemaDDL, dumpedTypes)
	if err != nil {
		rollback(ctx, conn, adapter)
		return errs.BackendError("describing database restore: %v", err)
	}

	for _, u := range desc.SchemaUnits {
		if err := runSchemaUnit(ctx, conn, adapter, u); err != nil {
			rollback(ctx, conn, adapter)
			return err
		}
	}

	if err := disableTriggers(ctx, conn, desc.TriggerTables); err != nil {
		rollback(ctx, conn, adapter)
		return err
	}

	if err := writeRestoreReady(w); err != nil {
		return err
	}

	n, err := dataLoop(ctx, r, conn, desc.TypeIDMap)
	if err != nil {
		rollback(ctx, conn, adapter)
		return err
	}

	if err := enableTriggers(ctx, conn, desc.TriggerTables); err != nil {
		rollback(ctx, conn, adapter)
		return err
	}
	if _, err := conn.SQLExecute(ctx, query.Unit{SQL: []string{"COMMIT"}}, nil); err != nil {
		rollback(ctx, conn, adapter)
		return errs.BackendError("committing restore: %v", err)
	}

	if m != nil {
		m.RestoreCompleted(n, time.Since(start))
	}

	stateTID, stateData := adapter.View.SerializeState()
	return writeCommandComplete(w, "RESTORE", stateTID, stateData)
}

func rollback(ctx context.Context, conn *backend.Conn, adapter *session.Adapter) {
	conn.SQLExecute(ctx, query.Unit{SQL: []string{"ROLLBACK"}}, nil)
	adapter.View.AbortTx()
}

// runSchemaUnit replays one schema DDL unit the compiler planned for restore.
// A dump can never have captured CONFIGURE INSTANCE as schema DDL (it's
// backend-wide, not database-local), so a unit carrying that signal here
// means the dump is malformed or tampered with; reject rather than replay it.
func runSchemaUnit(ctx context.Context, conn *backend.Conn, adapter *session.Adapter, u query.Unit) error {
	if err := rejectInstanceConfig(u); err != nil {
		return err
	}
	stmt := firstSQL(u.SQL)
	if err := adapter.View.Start(u); err != nil {
		return errs.BackendError("starting schema statement: %v", err)
	}
	newTypes, err := conn.RunDDL(ctx, stmt, nil)
	if err != nil {
		adapter.View.OnError()
		return errs.BackendError("running schema statement: %v", err)
	}
	return adapter.View.OnSuccess(u, typeIDs(newTypes))
}

func rejectInstanceConfig(u query.Unit) error {
	if u.BackendConfig {
		return errs.ProtocolError("dump schema may not contain CONFIGURE INSTANCE")
	}
	return nil
}

func firstSQL(sql []string) string {
	if len(sql) == 0 {
		return ""
	}
	return sql[0]
}

func typeIDs(types []query.TypeDescriptor) []uuid.UUID {
	ids := make([]uuid.UUID, len(types))
	for i, t := range types {
		ids[i] = t.ID
	}
	return ids
}

func disableTriggers(ctx context.Context, conn *backend.Conn, tables []string) error {
	return alterTriggers(ctx, conn, tables, "DISABLE")
}

func enableTriggers(ctx context.Context, conn *backend.Conn, tables []string) error {
	return alterTriggers(ctx, conn, tables, "ENABLE")
}

func alterTriggers(ctx context.Context, conn *backend.Conn, tables []string, action string) error {
	if len(tables) == 0 {
		return nil
	}
	var stmts []string
	for _, t := range tables {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s %s TRIGGER ALL", t, action))
	}
	_, err := conn.RunDDL(ctx, stmts[0], nil)
	for _, s := range stmts[1:] {
		if err != nil {
			return errs.BackendError("altering triggers: %v", err)
		}
		_, err = conn.RunDDL(ctx, s, nil)
	}
	if err != nil {
		return errs.BackendError("altering triggers: %v", err)
	}
	return nil
}

// dataLoop reads `=` DataBlock messages until `.` ClientTerminator,
// ingesting each via the backend channel with its type-id remap.
func dataLoop(ctx context.Context, r *wire.Reader, conn *backend.Conn, typeIDMap map[uuid.UUID]uuid.UUID) (int, error) {
	n := 0
	for {
		mt, err := r.ReadMessage()
		if err != nil {
			return n, errs.BinaryProtocolError("reading restore data message: %v", err)
		}
		switch mt {
		case '=':
			data, err := readDataBlockBody(r)
			if err != nil {
				return n, err
			}
			if err := conn.Restore(ctx, data, typeIDMap); err != nil {
				return n, errs.BackendError("restoring data block: %v", err)
			}
			n++
		case '.':
			if err := r.Finish(); err != nil {
				return n, errs.BinaryProtocolError("%v", err)
			}
			return n, nil
		default:
			return n, errs.ProtocolError("unexpected message %q during restore data phase", mt)
		}
	}
}

func readDataBlockBody(r *wire.Reader) ([]byte, error) {
	n, err := r.Uint16()
	if err != nil {
		return nil, errs.BinaryProtocolError("reading data block header count: %v", err)
	}
	var blockData []byte
	seen := map[uint16]bool{}
	for i := uint16(0); i < n; i++ {
		k, err := r.Uint16()
		if err != nil {
			return nil, errs.BinaryProtocolError("reading data block header key: %v", err)
		}
		v, err := r.Bytes()
		if err != nil {
			return nil, errs.BinaryProtocolError("reading data block header value: %v", err)
		}
		seen[k] = true
		if k == keyBlockData {
			blockData = v
		}
	}
	if err := r.Finish(); err != nil {
		return nil, errs.BinaryProtocolError("%v", err)
	}
	if !seen[keyBlockType] || !seen[keyBlockID] || !seen[keyBlockNum] || !seen[keyBlockData] {
		return nil, errs.ProtocolError("incomplete data block")
	}
	return blockData, nil
}

func rejectNonEmptyHeaders(r *wire.Reader) error {
	n, err := r.Uint16()
	if err != nil {
		return errs.BinaryProtocolError("reading restore header count: %v", err)
	}
	if n != 0 {
		return errs.ProtocolError("restore request headers must be empty")
	}
	return nil
}

// readDumpHeader parses the `@`-shaped inline body restore receives as the
// first part of its own request (spec.md §4.G step 2). schemaDDL is returned
// as the raw blob the wire carried; tokenizing it into statement units is
// the compiler's job (DescribeDatabaseRestore), since only it can reason
// about dollar-quoted bodies and other DDL-dialect quoting.
func readDumpHeader(r *wire.Reader) (schemaDDL []byte, blocks []dumpBlockHeader, protoMajor, protoMinor uint16, err error) {
	hn, err := r.Uint16()
	if err != nil {
		return nil, nil, 0, 0, errs.BinaryProtocolError("reading dump header count: %v", err)
	}
	for i := uint16(0); i < hn; i++ {
		if _, err := r.Uint16(); err != nil {
			return nil, nil, 0, 0, errs.BinaryProtocolError("reading dump header key: %v", err)
		}
		if _, err := r.Bytes(); err != nil {
			return nil, nil, 0, 0, errs.BinaryProtocolError("reading dump header value: %v", err)
		}
	}

	protoMajor, err = r.Uint16()
	if err != nil {
		return nil, nil, 0, 0, errs.BinaryProtocolError("reading dump proto_major: %v", err)
	}
	protoMinor, err = r.Uint16()
	if err != nil {
		return nil, nil, 0, 0, errs.BinaryProtocolError("reading dump proto_minor: %v", err)
	}

	schemaDDL, err = r.Bytes()
	if err != nil {
		return nil, nil, 0, 0, errs.BinaryProtocolError("reading dump schema_ddl: %v", err)
	}

	ntypes, err := r.Int32()
	if err != nil {
		return nil, nil, 0, 0, errs.BinaryProtocolError("reading dump ntypes: %v", err)
	}
	for i := int32(0); i < ntypes; i++ {
		if _, err := r.UTF8String(); err != nil { // type_name
			return nil, nil, 0, 0, errs.BinaryProtocolError("reading dump type_name: %v", err)
		}
		if _, err := r.UTF8String(); err != nil { // type_desc
			return nil, nil, 0, 0, errs.BinaryProtocolError("reading dump type_desc: %v", err)
		}
		if _, err := r.UUID(); err != nil { // type_id
			return nil, nil, 0, 0, errs.BinaryProtocolError("reading dump type_id: %v", err)
		}
	}

	nblocks, err := r.Int32()
	if err != nil {
		return nil, nil, 0, 0, errs.BinaryProtocolError("reading dump nblocks: %v", err)
	}
	blocks = make([]dumpBlockHeader, 0, nblocks)
	for i := int32(0); i < nblocks; i++ {
		objID, err := r.UUID()
		if err != nil {
			return nil, nil, 0, 0, errs.BinaryProtocolError("reading dump block object_id: %v", err)
		}
		typeDesc, err := r.Bytes()
		if err != nil {
			return nil, nil, 0, 0, errs.BinaryProtocolError("reading dump block type_desc: %v", err)
		}
		ndeps, err := r.Uint16()
		if err != nil {
			return nil, nil, 0, 0, errs.BinaryProtocolError("reading dump block ndeps: %v", err)
		}
		for d := uint16(0); d < ndeps; d++ {
			if _, err := r.UUID(); err != nil {
				return nil, nil, 0, 0, errs.BinaryProtocolError("reading dump block dep: %v", err)
			}
		}
		blocks = append(blocks, dumpBlockHeader{objectID: objID, typeDesc: typeDesc})
	}

	return schemaDDL, blocks, protoMajor, protoMinor, nil
}

func writeRestoreReady(w *wire.Writer) error {
	w.Begin('+')
	w.Uint16(0)
	w.Uint16(1) // single-job hint
	return w.End()
}

func writeCommandComplete(w *wire.Writer, status string, stateTID uuid.UUID, stateData []byte) error {
	w.Begin('C')
	w.Uint16(0)
	w.Int64(0)
	w.UTF8String(status)
	w.UUID(stateTID)
	w.Bytes(stateData)
	return w.End()
}
