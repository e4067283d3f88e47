package session

import (
	"encoding/json"

	"github.com/google/uuid"

	"github.com/protoengine/frontend/internal/errs"
	"github.com/protoengine/frontend/internal/query"
)

// MemoryView is a minimal in-process reference implementation of View: it
// tracks transaction status and a savepoint stack without any schema or
// session-config awareness. Real deployments supply their own
// schema/session-aware View (spec.md §1 treats DatabaseConnectionView as
// external); MemoryView exists so the rest of this engine has something
// concrete to run against, the same role compiler.Local plays for Client.
type MemoryView struct {
	stateTID   uuid.UUID
	stateData  []byte
	inTx       bool
	txErr      bool
	savepoints []string

	// configOps records every config operation ApplyConfigOps has been
	// handed, in application order. MemoryView has no real session/backend
	// config store behind it, so this is the closest it gets to applying
	// them; a schema/session-aware View would fold these into its own
	// state instead.
	configOps []json.RawMessage
}

// NewMemoryView creates a view whose state type id is stateTID; stateTID
// identifies the (externally defined) shape of the opaque state blob this
// view serializes.
func NewMemoryView(stateTID uuid.UUID) *MemoryView {
	return &MemoryView{stateTID: stateTID}
}

func (v *MemoryView) InTx() bool   { return v.inTx }
func (v *MemoryView) TxError() bool { return v.txErr }

func (v *MemoryView) SerializeState() (uuid.UUID, []byte) {
	return v.stateTID, v.stateData
}

func (v *MemoryView) DeserializeState(typeID uuid.UUID, data []byte) error {
	if typeID != v.stateTID {
		return errs.StateMismatchError()
	}
	v.stateData = data
	return nil
}

func (v *MemoryView) StateTypeID() uuid.UUID { return v.stateTID }

func (v *MemoryView) Start(u query.Unit) error {
	if v.txErr {
		return errs.ProtocolError("cannot run statements while the transaction is in an error state")
	}
	return nil
}

func (v *MemoryView) StartImplicit(u query.Unit) error {
	if !v.inTx {
		v.inTx = true
	}
	return nil
}

func (v *MemoryView) OnSuccess(u query.Unit, newTypes []uuid.UUID) error {
	switch {
	case u.TxSavepointDeclare:
		v.savepoints = append(v.savepoints, u.DDLStmtID)
		v.inTx = true
	case u.TxCommit:
		v.inTx = false
		v.savepoints = nil
	case u.TxRollback:
		v.inTx = false
		v.txErr = false
		v.savepoints = nil
	default:
		if !v.inTx {
			v.inTx = u.Capabilities&query.CapTransaction != 0
		}
	}
	return nil
}

func (v *MemoryView) OnError() error {
	if v.inTx {
		v.txErr = true
	}
	return nil
}

func (v *MemoryView) ClearTxError() {
	v.txErr = false
}

func (v *MemoryView) RollbackToSavepoint(name string) error {
	for i := len(v.savepoints) - 1; i >= 0; i-- {
		if v.savepoints[i] == name {
			v.savepoints = v.savepoints[:i+1]
			v.txErr = false
			return nil
		}
	}
	return errs.ProtocolError("no such savepoint %q", name)
}

func (v *MemoryView) AbortTx() error {
	v.inTx = false
	v.txErr = false
	v.savepoints = nil
	return nil
}

func (v *MemoryView) CommitImplicitTx(schemaDeltas any) error {
	v.inTx = false
	v.savepoints = nil
	return nil
}

func (v *MemoryView) ApplyConfigOps(ops []json.RawMessage) error {
	v.configOps = append(v.configOps, ops...)
	return nil
}

var _ View = (*MemoryView)(nil)
