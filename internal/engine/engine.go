package engine

import (
	"context"
	"encoding/json"
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

// Engine runs Parse and Execute for one connection against one backend
// connection acquired for the call's duration by the caller (spec §5:
// "acquire one for the duration of an execute/dump/restore and release it
// in finally").
type Engine struct {
	Adapter       *session.Adapter
	Compiler      compiler.Client
	Metrics       *metrics.Collector
	ProtocolMajor uint16
	ProtocolMinor uint16
}

// New builds an Engine bound to one connection's session adapter.
func New(adapter *session.Adapter, c compiler.Client, m *metrics.Collector, protoMajor, protoMinor uint16) *Engine {
	return &Engine{Adapter: adapter, Compiler: c, Metrics: m, ProtocolMajor: protoMajor, ProtocolMinor: protoMinor}
}

func groupCapabilities(g query.Group) query.Capabilities {
	var caps query.Capabilities
	for _, u := range g.Units {
		caps |= u.Capabilities
	}
	return caps
}

func writeCommandDataDescription(w *wire.Writer, g query.Group) error {
	w.Begin('T')
	w.Uint16(0)
	w.Int64(int64(groupCapabilities(g)))
	last := g.Units[len(g.Units)-1]
	w.Uint8(byte(last.Cardinality))
	first := g.Units[0]
	w.UUID(first.InType.ID)
	w.Bytes(first.InType.Encoded)
	w.UUID(last.OutType.ID)
	w.Bytes(last.OutType.Encoded)
	return w.End()
}

func writeCommandComplete(w *wire.Writer, caps query.Capabilities, status string, stateTID uuid.UUID, stateData []byte) error {
	w.Begin('C')
	w.Uint16(0)
	w.Int64(int64(caps))
	w.UTF8String(status)
	w.UUID(stateTID)
	w.Bytes(stateData)
	return w.End()
}

// writeDataRow emits one `D` data row: the client-facing counterpart of
// the backend's own per-row rows a parse_execute call returns.
func writeDataRow(w *wire.Writer, row []byte) error {
	w.Begin('D')
	w.Uint16(0)
	w.Bytes(row)
	return w.End()
}

func writeDataRows(w *wire.Writer, rows [][]byte) error {
	for _, row := range rows {
		if err := writeDataRow(w, row); err != nil {
			return err
		}
	}
	return nil
}

// Parse implements the `P` message (spec §4.E "Parse").
func (e *Engine) Parse(ctx context.Context, r *wire.Reader, w *wire.Writer) error {
	req, err := ReadParseRequest(r)
	if err != nil {
		return err
	}
	if err := r.Finish(); err != nil {
		return errs.BinaryProtocolError("%v", err)
	}

	if err := e.applyClientState(w, req.StateTypeID, req.StateData); err != nil {
		return err
	}

	info := req.RequestInfo(e.ProtocolMajor, e.ProtocolMinor)
	group, err := e.Compiler.Compile(ctx, info)
	if err != nil {
		return errs.BackendError("compiling query: %v", err)
	}
	if len(group.Units) == 0 {
		return errs.InternalServerError(err, "")
	}

	if err := writeCommandDataDescription(w, group); err != nil {
		return err
	}

	e.Adapter.SetLastAnonCompiled(info.Hash(), query.Compiled{Group: group})
	if e.Metrics != nil {
		e.Metrics.CompileRecorded("miss", 0)
	}
	return nil
}

// applyClientState decodes a client-sent session state if it differs from
// what the view currently has, emitting a fresh `s` state description
// before propagating StateMismatchError on a mismatch (spec §4.E step 3).
func (e *Engine) applyClientState(w *wire.Writer, tid uuid.UUID, data []byte) error {
	current := e.Adapter.View.StateTypeID()
	if tid == current {
		return nil
	}
	if err := e.Adapter.View.DeserializeState(tid, data); err != nil {
		writeStateDescription(w, current)
		return errs.StateMismatchError()
	}
	return nil
}

// writeStateDescription emits `s`: the current state type descriptor.
// Bodies on the wire carry only the type id here — the shape descriptor
// itself is owned by the view and not modeled further by this engine.
func writeStateDescription(w *wire.Writer, tid uuid.UUID) error {
	w.Begin('s')
	w.UUID(tid)
	return w.End()
}

// resolveGroup implements the Execute fast/slow compiled-query lookup
// (spec §4.E Execute steps 2-4): try last_anon_compiled, else the per-view
// cache, else recompile; the fast-path slot is always cleared once
// consulted.
func (e *Engine) resolveGroup(ctx context.Context, req ExecuteRequest) (query.Group, string, error) {
	info := req.RequestInfo(e.ProtocolMajor, e.ProtocolMinor)
	h := info.Hash()

	if c, ok := e.Adapter.TakeLastAnonCompiled(h); ok {
		g := c.Group
		last := g.Units[len(g.Units)-1]
		first := g.Units[0]
		if first.InType.ID == req.ExpectedInTypeID && last.OutType.ID == req.ExpectedOutTypeID {
			if e.Metrics != nil {
				e.Metrics.CompileRecorded("last_anon", 0)
			}
			return g, "last_anon", nil
		}
	}

	if c, ok := e.Adapter.CacheLookup(h); ok {
		if e.Metrics != nil {
			e.Metrics.CompileRecorded("hit", 0)
		}
		return c.Group, "hit", nil
	}

	start := time.Now()
	g, err := e.Compiler.Compile(ctx, info)
	if err != nil {
		return query.Group{}, "", errs.BackendError("compiling query: %v", err)
	}
	if e.Metrics != nil {
		e.Metrics.CompileRecorded("miss", time.Since(start))
	}
	e.Adapter.CacheStore(h, query.Compiled{Group: g})
	return g, "miss", nil
}

// Execute implements the `O` message (spec §4.E "Execute").
func (e *Engine) Execute(ctx context.Context, r *wire.Reader, w *wire.Writer, ch backend.Channel) error {
	req, err := ReadExecuteRequest(r)
	if err != nil {
		return err
	}
	if err := r.Finish(); err != nil {
		return errs.BinaryProtocolError("%v", err)
	}

	if err := e.applyClientState(w, req.StateTypeID, req.StateData); err != nil {
		return err
	}

	group, _, err := e.resolveGroup(ctx, req)
	if err != nil {
		return err
	}
	if len(group.Units) == 0 {
		return errs.InternalServerError(nil, "compiled group is empty")
	}

	for _, u := range group.Units {
		if capName, bad := query.Disabled(u.Capabilities, req.AllowCapabilities); bad {
			if e.Metrics != nil {
				e.Metrics.CapabilityViolation(capName.String())
			}
			return errs.DisabledCapabilityError(capName.String())
		}
	}

	first, last := group.Units[0], group.Units[len(group.Units)-1]
	typeMismatch := first.InType.ID != req.ExpectedInTypeID
	if typeMismatch {
		writeCommandDataDescription(w, group)
		return errs.ParameterTypeMismatchError()
	}
	if last.OutType.ID != req.ExpectedOutTypeID {
		if err := writeCommandDataDescription(w, group); err != nil {
			return err
		}
	}

	start := time.Now()
	status, err := e.runGroup(ctx, w, group, req.BindArgs, ch)
	if e.Metrics != nil {
		e.Metrics.ExecuteDuration(time.Since(start))
	}
	if err != nil {
		e.Adapter.View.OnError()
		return err
	}

	stateTID, stateData := e.Adapter.View.SerializeState()
	if e.Adapter.StateDescriptionNeeded() {
		if err := writeStateDescription(w, stateTID); err != nil {
			return err
		}
	}
	return writeCommandComplete(w, groupCapabilities(group), status, stateTID, stateData)
}

// runGroup dispatches to the rollback, single-statement, or script
// execution mode per spec §4.E step 7, returning the CommandComplete
// status tag.
func (e *Engine) runGroup(ctx context.Context, w *wire.Writer, g query.Group, bindArgs []byte, ch backend.Channel) (string, error) {
	first := g.Units[0]

	switch {
	case e.Adapter.View.TxError() || first.TxSavepointRollback || first.TxAbortMigration:
		return e.runRollbackFastPath(ctx, first, bindArgs, ch)
	case g.IsScript():
		return e.runScript(ctx, w, g, ch)
	default:
		return e.runSingleStatement(ctx, w, first, bindArgs, ch)
	}
}

// runRollbackFastPath implements spec §4.E step 7's rollback fast path:
// only one unit is allowed; its SQL (if any) executes, then the matching
// tx-state transition applies.
func (e *Engine) runRollbackFastPath(ctx context.Context, u query.Unit, bindArgs []byte, ch backend.Channel) (string, error) {
	if len(u.SQL) > 0 {
		if _, err := ch.SQLExecute(ctx, u, e.currentState()); err != nil {
			return "", errs.BackendError("rollback statement: %v", err)
		}
	}
	switch {
	case u.TxSavepointRollback:
		if err := e.Adapter.View.RollbackToSavepoint(u.DDLStmtID); err != nil {
			return "", errs.BackendError("rollback to savepoint: %v", err)
		}
	case u.TxAbortMigration:
		if err := e.Adapter.View.AbortTx(); err != nil {
			return "", errs.BackendError("abort migration: %v", err)
		}
	default:
		e.Adapter.View.ClearTxError()
	}
	return u.Status, nil
}

// runSingleStatement implements spec §4.E step 8.
func (e *Engine) runSingleStatement(ctx context.Context, w *wire.Writer, u query.Unit, bindArgs []byte, ch backend.Channel) (string, error) {
	state := e.currentState()
	if bytesEqual(ch.LastState(), state) {
		state = nil // elide: backend already has this state (spec §4.E step 8)
	}

	if err := e.Adapter.View.Start(u); err != nil {
		return "", errs.BackendError("starting unit: %v", err)
	}

	newTypes, err := e.executeUnit(ctx, w, u, bindArgs, state, ch)
	if err != nil {
		if u.TxCommit && !ch.InTx() && e.Adapter.View.InTx() {
			e.Adapter.View.AbortTx()
		}
		return "", errs.BackendError("executing statement: %v", err)
	}

	if err := e.Adapter.View.OnSuccess(u, typeIDs(newTypes)); err != nil {
		return "", errs.BackendError("applying unit success: %v", err)
	}
	return u.Status, nil
}

// runScript implements a simplified form of spec §4.E step 9: units run in
// order inside one implicit backend transaction, collecting on_success
// callbacks in linear order; any failure aborts the implicit tx. A
// readback unit (e.g. `SET GLOBAL g := 1`) applies its config op before the
// next unit runs, so a later unit in the same script observes it (spec
// scenario: `SET GLOBAL` followed by a read of the same global).
func (e *Engine) runScript(ctx context.Context, w *wire.Writer, g query.Group, ch backend.Channel) (string, error) {
	state := e.currentState()
	var lastStatus string

	for _, u := range g.Units {
		if err := e.Adapter.View.StartImplicit(u); err != nil {
			e.Adapter.View.AbortTx()
			ch.ForceError(ctx)
			return "", errs.InternalServerError(err, "")
		}

		newTypes, err := e.executeUnit(ctx, w, u, nil, state, ch)
		if err != nil {
			e.Adapter.View.AbortTx()
			ch.ForceError(ctx)
			return "", errs.BackendError("executing script unit: %v", err)
		}
		if err := e.Adapter.View.OnSuccess(u, typeIDs(newTypes)); err != nil {
			return "", errs.BackendError("applying script unit success: %v", err)
		}
		lastStatus = u.Status
		state = nil // only the first unit in the script carries state (spec §4.E step 9)
	}

	if err := e.Adapter.View.CommitImplicitTx(nil); err != nil {
		return "", errs.BackendError("committing implicit transaction: %v", err)
	}
	return lastStatus, nil
}

// executeUnit runs one unit's backend round trip per spec §4.E step 8 and
// routes its result: a system-config unit through executeSystemConfig, a
// DDL unit through run_ddl, and everything else through parse_execute with
// its rows delivered per deliverRows.
func (e *Engine) executeUnit(ctx context.Context, w *wire.Writer, u query.Unit, bindArgs, state []byte, ch backend.Channel) ([]query.TypeDescriptor, error) {
	switch {
	case u.SystemConfig:
		return nil, e.executeSystemConfig(ctx, u, ch, state)
	case u.DDLStmtID != "":
		return ch.RunDDL(ctx, firstSQL(u.SQL), state)
	default:
		rows, newTypes, err := ch.ParseExecute(ctx, u, bindArgs, state)
		if err != nil {
			return nil, err
		}
		if err := e.deliverRows(ctx, w, u, rows); err != nil {
			return nil, err
		}
		return newTypes, nil
	}
}

// deliverRows routes a unit's returned rows per spec §4.E step 8: a
// needs_readback unit's rows are config ops to apply rather than data to
// forward; an is_explain unit's rows go to the compiler for analysis and
// come back as a single data row; everything else is forwarded to the
// client verbatim as `D` data rows.
func (e *Engine) deliverRows(ctx context.Context, w *wire.Writer, u query.Unit, rows [][]byte) error {
	switch {
	case u.NeedsReadback:
		ops, err := parseConfigOpRows(rows)
		if err != nil {
			return errs.ProtocolError("parsing readback config ops: %v", err)
		}
		if err := e.Adapter.View.ApplyConfigOps(ops); err != nil {
			return errs.BackendError("applying readback config ops: %v", err)
		}
		return nil
	case u.IsExplain:
		var raw []byte
		if len(rows) > 0 {
			raw = rows[0]
		}
		analyzed, err := e.Compiler.AnalyzeExplainOutput(ctx, raw)
		if err != nil {
			return errs.BackendError("analyzing explain output: %v", err)
		}
		return writeDataRow(w, analyzed)
	default:
		return writeDataRows(w, rows)
	}
}

// parseConfigOpRow strips a readback row's 0x01 tag and validates the
// remainder as JSON (spec §4.E: "each row is 0x01 followed by a JSON
// operation").
func parseConfigOpRow(row []byte) (json.RawMessage, error) {
	if len(row) == 0 || row[0] != 0x01 {
		return nil, fmt.Errorf("config-op row missing 0x01 tag")
	}
	payload := row[1:]
	if !json.Valid(payload) {
		return nil, fmt.Errorf("config-op row is not valid JSON")
	}
	out := make(json.RawMessage, len(payload))
	copy(out, payload)
	return out, nil
}

func parseConfigOpRows(rows [][]byte) ([]json.RawMessage, error) {
	if len(rows) == 0 {
		return nil, nil
	}
	ops := make([]json.RawMessage, 0, len(rows))
	for _, row := range rows {
		op, err := parseConfigOpRow(row)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	return ops, nil
}

// executeSystemConfig implements the SystemConfig subroutine (spec §4.E):
// a no-op statement carrying session state, parsing config ops from the
// first row when its leading byte is tagged 0x01, else falling back to the
// unit's statically-compiled ops.
func (e *Engine) executeSystemConfig(ctx context.Context, u query.Unit, ch backend.Channel, state []byte) error {
	noop := query.Unit{SQL: []string{"select 1"}}
	if _, err := ch.SQLExecute(ctx, noop, state); err != nil {
		return err
	}
	if len(u.SQL) > 1 {
		return errs.InternalServerError(nil, "system config unit must have exactly one statement")
	}

	ops := u.StaticConfigOps
	if len(u.SQL) == 1 {
		rows, err := ch.SQLExecute(ctx, u, nil)
		if err != nil {
			return err
		}
		if len(rows) > 0 && len(rows[0]) > 0 && rows[0][0] == 0x01 {
			op, err := parseConfigOpRow(rows[0])
			if err != nil {
				return errs.ProtocolError("parsing system config op: %v", err)
			}
			ops = []json.RawMessage{op}
		}
	}

	if err := e.Adapter.View.ApplyConfigOps(ops); err != nil {
		return errs.BackendError("applying config ops: %v", err)
	}

	if _, err := ch.SQLExecute(ctx, query.Unit{SQL: []string{"delete from _config_cache"}}, nil); err != nil {
		return err
	}
	if u.BackendConfig {
		if _, err := ch.SQLExecute(ctx, query.Unit{SQL: []string{"select pg_reload_conf()"}}, nil); err != nil {
			return err
		}
	}
	return nil
}

func (e *Engine) currentState() []byte {
	_, data := e.Adapter.View.SerializeState()
	return data
}

func firstSQL(sql []string) string {
	if len(sql) == 0 {
		return ""
	}
	return sql[0]
}

func typeIDs(types []query.TypeDescriptor) []uuid.UUID {
	if len(types) == 0 {
		return nil
	}
	ids := make([]uuid.UUID, len(types))
	for i, t := range types {
		ids[i] = t.ID
	}
	return ids
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
