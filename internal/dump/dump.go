// Package dump implements the serializable-snapshot dump engine (spec.md
// §4.F): schema introspection via the compiler client, the `@` DumpHeader
// frame, and bounded-queue producer/consumer block streaming.
//
// Grounded on the teacher's pool.go `sync.Cond`-based bounded wait/signal
// discipline, generalized here to a buffered-channel bounded queue
// (capacity configurable, spec default 2) per spec.md §5's producer/
// consumer design note, and on proxy/handler.go's goroutine-pair-plus-
// error-channel relay pattern for the producer/consumer split itself.
package dump

import (
	"context"
	"log"
	"strconv"
	"time"

	"github.com/protoengine/frontend/internal/backend"
	"github.com/protoengine/frontend/internal/compiler"
	"github.com/protoengine/frontend/internal/errs"
	"github.com/protoengine/frontend/internal/metrics"
	"github.com/protoengine/frontend/internal/query"
	"github.com/protoengine/frontend/internal/wire"
)

// Generic header keys used on the wire (spec.md §6's "capabilities
// header" convention extends to other reserved header slots).
const (
	headerDumpSecrets uint16 = 0xFF10
)

const (
	blockTypeInfo = "INFO"
	blockTypeData = "DATA"
)

// Header keys inside the `@`/`=` frames' own header lists.
const (
	keyBlockType = 0x0001
	keyServerVer = 0x0002
	keyCatalogV  = 0x0003
	keyServerT   = 0x0004
	keyBlockID   = 0x0101
	keyBlockNum  = 0x0102
	keyBlockData = 0x0103
)

// ServerVersion and ServerCatalogVersion are reported verbatim in the dump
// header; a real deployment would source these from the backend's own
// introspection.
var (
	ServerVersion        = "1.0"
	ServerCatalogVersion int64 = 1
)

// Run executes one dump request end to end over an already-authenticated
// connection's reader/writer, against a backend connection acquired for
// its duration (spec.md §4.F: "acquire a backend connection ... release
// it"). Precondition: the caller has already confirmed !view.InTx().
func Run(ctx context.Context, r *wire.Reader, w *wire.Writer, pool *backend.Pool, c compiler.Client, m *metrics.Collector, database string, protoMajor, protoMinor uint16, queueCap int) error {
	start := time.Now()

	headers, err := readHeaders(r)
	if err != nil {
		return err
	}
	if err := r.Finish(); err != nil {
		return errs.BinaryProtocolError("%v", err)
	}
	if includesSecrets(headers) {
		log.Printf("[dump] DUMP_SECRETS requested; this engine never includes credential material in a dump")
	}

	conn, err := pool.Acquire(ctx, nil)
	if err != nil {
		return errs.BackendUnavailableError("acquiring backend connection for dump: %v", err)
	}
	defer pool.Return(conn)

	snapshotUnit := query.Unit{SQL: []string{
		"START TRANSACTION ISOLATION LEVEL SERIALIZABLE READ ONLY DEFERRABLE",
		"SET LOCAL idle_in_transaction_session_timeout = 0",
		"SET LOCAL statement_timeout = 0",
	}}
	if _, err := conn.SQLExecute(ctx, snapshotUnit, nil); err != nil {
		return errs.BackendError("opening dump snapshot: %v", err)
	}

	desc, err := c.DescribeDatabaseDump(ctx, database)
	if err != nil {
		rollback(ctx, conn)
		return errs.BackendError("describing database dump: %v", err)
	}

	if err := writeDumpHeader(w, desc, protoMajor, protoMinor); err != nil {
		rollback(ctx, conn)
		return err
	}

	if queueCap <= 0 {
		queueCap = 2
	}
	blocks := make(chan []byte, queueCap)
	producerErr := make(chan error, 1)
	go func() {
		producerErr <- conn.Dump(ctx, blocks)
	}()

	n := 0
	for b := range blocks {
		objectID := objectIDFor(desc.Blocks, n)
		if err := writeDataBlock(w, objectID, n, b); err != nil {
			return err
		}
		n++
	}
	if err := <-producerErr; err != nil {
		return errs.BackendError("dump streaming: %v", err)
	}

	rollback(ctx, conn)

	if m != nil {
		m.DumpCompleted(n, time.Since(start))
	}

	return writeCommandComplete(w, "DUMP")
}

func objectIDFor(blocks []compiler.DumpBlock, i int) (id [16]byte) {
	if i < len(blocks) {
		return blocks[i].ObjectID
	}
	return id
}

func rollback(ctx context.Context, conn *backend.Conn) {
	conn.SQLExecute(ctx, query.Unit{SQL: []string{"ROLLBACK"}}, nil)
}

func readHeaders(r *wire.Reader) (map[uint16][]byte, error) {
	n, err := r.Uint16()
	if err != nil {
		return nil, errs.BinaryProtocolError("reading dump header count: %v", err)
	}
	headers := make(map[uint16][]byte, n)
	for i := uint16(0); i < n; i++ {
		k, err := r.Uint16()
		if err != nil {
			return nil, errs.BinaryProtocolError("reading dump header key: %v", err)
		}
		v, err := r.Bytes()
		if err != nil {
			return nil, errs.BinaryProtocolError("reading dump header value: %v", err)
		}
		headers[k] = v
	}
	return headers, nil
}

func includesSecrets(headers map[uint16][]byte) bool {
	v, ok := headers[headerDumpSecrets]
	return ok && len(v) == 1 && v[0] == 1
}

func writeDumpHeader(w *wire.Writer, desc compiler.DumpDescriptor, protoMajor, protoMinor uint16) error {
	w.Begin('@')
	w.Uint16(4)
	w.Uint16(keyBlockType)
	w.Bytes([]byte(blockTypeInfo))
	w.Uint16(keyServerVer)
	w.Bytes([]byte(ServerVersion))
	w.Uint16(keyCatalogV)
	// A binary i64 behind an i32 length of 8, where the other header values
	// are text: intentional, not a bug.
	w.Int32(8)
	w.Int64(ServerCatalogVersion)
	w.Uint16(keyServerT)
	w.Bytes([]byte(strconv.FormatInt(time.Now().Unix(), 10)))

	w.Uint16(protoMajor)
	w.Uint16(protoMinor)

	var schema []byte
	for _, stmt := range desc.SchemaDDL {
		schema = append(schema, []byte(stmt+";\n")...)
	}
	w.Bytes(schema)

	w.Int32(int32(len(desc.Types)))
	for _, t := range desc.Types {
		w.UTF8String("")
		w.Bytes(t.Encoded)
		w.UUID(t.ID)
	}

	w.Int32(int32(len(desc.Blocks)))
	for _, b := range desc.Blocks {
		w.UUID(b.ObjectID)
		w.Bytes(b.TypeDesc)
		w.Uint16(uint16(len(b.Deps)))
		for _, d := range b.Deps {
			w.UUID(d)
		}
	}

	return w.End()
}

func writeDataBlock(w *wire.Writer, objectID [16]byte, blockNum int, data []byte) error {
	w.Begin('=')
	w.Uint16(4)
	w.Uint16(keyBlockType)
	w.Bytes([]byte(blockTypeData))
	w.Uint16(keyBlockID)
	w.Bytes(objectID[:])
	w.Uint16(keyBlockNum)
	w.Bytes([]byte(strconv.Itoa(blockNum)))
	w.Uint16(keyBlockData)
	w.Bytes(data)
	return w.End()
}

func writeCommandComplete(w *wire.Writer, status string) error {
	w.Begin('C')
	w.Uint16(0)
	w.Int64(0)
	w.UTF8String(status)
	w.UUID([16]byte{})
	w.Bytes(nil)
	return w.End()
}
