// Package compiler defines the engine's view of the external compiler
// pool: the opaque RPC collaborator spec.md treats as out of scope, named
// here as a narrow Go interface plus an in-process reference implementation
// usable without a real EdgeQL compiler behind it.
package compiler

import (
	"bytes"
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/protoengine/frontend/internal/query"
)

// DumpBlock describes one data block in dump/restore order: the object it
// belongs to, its encoded type descriptor, and the other objects it
// depends on (spec.md §4.F step 5's per-block `ndeps`/deps list).
type DumpBlock struct {
	ObjectID uuid.UUID
	TypeDesc []byte
	Deps     []uuid.UUID
}

// DumpDescriptor is the compiler's schema-shaped plan for a dump: the
// ordered DDL to recreate a schema, the type descriptors it introduces, and
// the ordered block list the dump/restore engines correlate against the
// backend channel's streamed data blocks.
type DumpDescriptor struct {
	SchemaDDL []string
	Types     []query.TypeDescriptor
	Blocks    []DumpBlock
}

// RestoreDescriptor is the compiler's plan for replaying a dump: the
// ordered schema SQL units to run before data ingestion starts, the backend
// type ids each dumped type id should be mended to, and the tables whose
// triggers must be suspended while data is ingested.
type RestoreDescriptor struct {
	SchemaUnits   []query.Unit
	TriggerTables []string
	TypeIDMap     map[uuid.UUID]uuid.UUID
}

// Client is the interface the parse/execute, dump, and restore engines
// call through. A production implementation speaks a private RPC framing
// to a configured compiler-pool address (itself treated as opaque, as
// spec.md never fixes this IPC); Local below is the in-process stand-in.
type Client interface {
	// Compile turns a fingerprinted request into an executable unit group.
	Compile(ctx context.Context, req query.RequestInfo) (query.Group, error)

	// DescribeDatabaseDump returns the schema plan for a snapshot dump.
	DescribeDatabaseDump(ctx context.Context, database string) (DumpDescriptor, error)

	// DescribeDatabaseRestore returns the schema plan and type-id mending
	// table for replaying a dump into database. schemaDDL is the raw DDL
	// blob the dump header carried; the compiler tokenizes it into ordered
	// statement units (respecting embedded dollar-quoted bodies) rather
	// than leaving that to a naive wire-level split.
	DescribeDatabaseRestore(ctx context.Context, database string, schemaDDL []byte, dumpedTypes []query.TypeDescriptor) (RestoreDescriptor, error)

	// AnalyzeExplainOutput turns a backend EXPLAIN result into the
	// frontend-facing analysis payload for an `is_explain` unit.
	AnalyzeExplainOutput(ctx context.Context, raw []byte) ([]byte, error)

	// InterpretBackendError maps a raw backend error into the engine's
	// error taxonomy fields (see internal/errs).
	InterpretBackendError(ctx context.Context, raw error) (code int32, fields map[uint16]string)
}

// Local is a trivial SQL-passthrough reference Client: it treats the
// tokenized source of a request as already-valid backend SQL and returns a
// single-unit group, useful for exercising the frontend's own state
// machine (caching, capability enforcement, dispatch) without a real
// compiler. cmd/protoengine wires it unconditionally; this module has no
// remote RPC Client implementation.
type Local struct{}

// NewLocal builds a Local compiler client.
func NewLocal() *Local { return &Local{} }

func (l *Local) Compile(ctx context.Context, req query.RequestInfo) (query.Group, error) {
	if req.TokenizedSource == "" {
		return query.Group{}, fmt.Errorf("compiler: empty query source")
	}

	cardinality := query.CardinalityMany
	if req.ExpectOne {
		cardinality = query.CardinalityAtMostOne
	}

	unit := query.Unit{
		SQL:          []string{req.TokenizedSource},
		Status:       "SELECT",
		Cardinality:  cardinality,
		Capabilities: 0,
		Cacheable:    true,
	}
	return query.Group{Units: []query.Unit{unit}}, nil
}

func (l *Local) DescribeDatabaseDump(ctx context.Context, database string) (DumpDescriptor, error) {
	return DumpDescriptor{}, nil
}

func (l *Local) DescribeDatabaseRestore(ctx context.Context, database string, schemaDDL []byte, dumpedTypes []query.TypeDescriptor) (RestoreDescriptor, error) {
	mapping := make(map[uuid.UUID]uuid.UUID, len(dumpedTypes))
	for _, t := range dumpedTypes {
		mapping[t.ID] = t.ID
	}
	stmts := splitSchemaStatements(schemaDDL)
	units := make([]query.Unit, 0, len(stmts))
	for i, stmt := range stmts {
		units = append(units, query.Unit{
			SQL:       []string{stmt},
			Status:    "CREATE",
			DDLStmtID: fmt.Sprintf("restore-schema-%d", i),
		})
	}
	// TriggerTables left empty: Local has no schema introspection to name them.
	return RestoreDescriptor{SchemaUnits: units, TypeIDMap: mapping}, nil
}

func (l *Local) AnalyzeExplainOutput(ctx context.Context, raw []byte) ([]byte, error) {
	return raw, nil
}

func (l *Local) InterpretBackendError(ctx context.Context, raw error) (int32, map[uint16]string) {
	if raw == nil {
		return 0, nil
	}
	return 1, map[uint16]string{0: raw.Error()}
}

// splitSchemaStatements tokenizes a dump header's raw schema DDL blob into
// ordered statement units, splitting on top-level `;` the way the backend
// itself delimits statements. It tracks single/double-quoted strings and
// dollar-quoted bodies ($$...$$ or $tag$...$tag$) so a `;` embedded in a
// function body is not mistaken for a statement boundary.
func splitSchemaStatements(schemaDDL []byte) []string {
	var stmts []string
	var cur bytes.Buffer

	i := 0
	for i < len(schemaDDL) {
		c := schemaDDL[i]

		if tag, tagLen, ok := matchDollarTag(schemaDDL[i:]); ok {
			end := findDollarTagClose(schemaDDL[i+tagLen:], tag)
			if end < 0 {
				cur.Write(schemaDDL[i:])
				i = len(schemaDDL)
				break
			}
			cur.Write(schemaDDL[i : i+tagLen+end+tagLen])
			i += tagLen + end + tagLen
			continue
		}

		if c == '\'' || c == '"' {
			end := findQuoteClose(schemaDDL[i+1:], c)
			if end < 0 {
				cur.Write(schemaDDL[i:])
				i = len(schemaDDL)
				break
			}
			cur.Write(schemaDDL[i : i+1+end+1])
			i += 1 + end + 1
			continue
		}

		if c == ';' {
			if s := cur.String(); len(bytes.TrimSpace([]byte(s))) > 0 {
				stmts = append(stmts, string(bytes.TrimSpace([]byte(s))))
			}
			cur.Reset()
			i++
			continue
		}

		cur.WriteByte(c)
		i++
	}
	if s := bytes.TrimSpace(cur.Bytes()); len(s) > 0 {
		stmts = append(stmts, string(s))
	}
	return stmts
}

// matchDollarTag reports whether buf begins with a dollar-quote opener
// ($$ or $tag$) and returns the full opener (e.g. "$$" or "$body$") and its
// byte length.
func matchDollarTag(buf []byte) (tag string, tagLen int, ok bool) {
	if len(buf) == 0 || buf[0] != '$' {
		return "", 0, false
	}
	j := 1
	for j < len(buf) && isDollarTagChar(buf[j]) {
		j++
	}
	if j >= len(buf) || buf[j] != '$' {
		return "", 0, false
	}
	return string(buf[:j+1]), j + 1, true
}

func isDollarTagChar(c byte) bool {
	return c == '_' ||
		(c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9')
}

// findDollarTagClose returns the byte offset of the matching closing tag
// within buf, or -1 if the dollar-quoted body is never closed.
func findDollarTagClose(buf []byte, tag string) int {
	return bytes.Index(buf, []byte(tag))
}

// findQuoteClose returns the byte offset of the closing quote character
// within buf, honoring doubled-quote escaping (e.g. '' inside a ''-quoted
// string), or -1 if the string is never closed.
func findQuoteClose(buf []byte, quote byte) int {
	for i := 0; i < len(buf); i++ {
		if buf[i] != quote {
			continue
		}
		if i+1 < len(buf) && buf[i+1] == quote {
			i++
			continue
		}
		return i
	}
	return -1
}
