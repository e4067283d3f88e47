// Package session wraps the external per-database DatabaseConnectionView
// collaborator (spec §1, §4.B): transaction status, state serialization,
// savepoints, and the per-connection compiled-query cache, including the
// single-slot "last anonymous compiled" fast path (spec §9).
package session

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"

	"github.com/protoengine/frontend/internal/query"
)

// TxStatus mirrors the three states the `Z` ready-for-query frame reports.
type TxStatus byte

const (
	TxIdle     TxStatus = 'I'
	TxInTx     TxStatus = 'T'
	TxInError  TxStatus = 'E'
)

// View is the external per-database schema/view cache this engine
// consults for state and transaction status; the compiled-query cache
// lives on Adapter, not here. Implementations live outside this module's scope (spec §1); a
// DatabaseConnectionView in production is schema-aware and session-aware
// in ways this interface intentionally does not model.
type View interface {
	InTx() bool
	TxError() bool

	// SerializeState returns the current session state as opaque bytes
	// plus its 16-byte type id.
	SerializeState() (typeID uuid.UUID, data []byte)
	// DeserializeState validates and applies client-sent state, returning
	// StateMismatchError (via the caller) if typeID is stale.
	DeserializeState(typeID uuid.UUID, data []byte) error
	// StateTypeID is the type id of the state shape this view currently
	// expects; used to detect whether a fresh `s` frame must be sent.
	StateTypeID() uuid.UUID

	Start(u query.Unit) error
	StartImplicit(u query.Unit) error
	OnSuccess(u query.Unit, newTypes []uuid.UUID) error
	OnError() error

	ClearTxError()
	RollbackToSavepoint(name string) error
	AbortTx() error
	CommitImplicitTx(schemaDeltas any) error

	// ApplyConfigOps applies the config operations the SystemConfig
	// subroutine and script readback units accumulate (spec §4.E): each op
	// is one parsed JSON config operation, already stripped of its 0x01
	// wire tag.
	ApplyConfigOps(ops []json.RawMessage) error
}

// compiledEntry pairs a compiled query with the fingerprint hash it was
// compiled for, so a later Execute can cheaply confirm reuse is valid.
type compiledEntry struct {
	hash     [32]byte
	compiled query.Compiled
}

// Adapter is the thin protocol-facing wrapper over a View: it owns the
// compiled-query cache and the last-anonymous-compiled fast slot. One
// Adapter is created per connection and lives exactly as long as it does.
type Adapter struct {
	View View

	mu          sync.Mutex
	cache       map[[32]byte]query.Compiled
	lastAnon    *compiledEntry
	lastSentTID uuid.UUID // type id of the state description last sent to the client
}

// NewAdapter wraps a View for one connection's lifetime.
func NewAdapter(v View) *Adapter {
	return &Adapter{View: v, cache: make(map[[32]byte]query.Compiled)}
}

// CacheLookup returns the cached compile for a fingerprint, if any.
func (a *Adapter) CacheLookup(h [32]byte) (query.Compiled, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	c, ok := a.cache[h]
	return c, ok
}

// CacheStore inserts a compile into the per-view cache, honoring each
// unit's Cacheable flag: a group containing any non-cacheable unit is not
// stored, matching spec §4.E step 4's "respects each unit's cacheable
// flag" rule.
func (a *Adapter) CacheStore(h [32]byte, c query.Compiled) {
	for _, u := range c.Group.Units {
		if !u.Cacheable {
			return
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cache[h] = c
}

// SetLastAnonCompiled records the most recent Parse's compile as the
// single-slot fast-path cache for an immediately following Execute.
func (a *Adapter) SetLastAnonCompiled(h [32]byte, c query.Compiled) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.lastAnon = &compiledEntry{hash: h, compiled: c}
}

// TakeLastAnonCompiled returns and clears the fast-path slot if its hash
// matches h. Clearing unconditionally once consulted (even on a mismatch)
// matches spec §4.E step 4: "clear last_anon_compiled after lookup".
func (a *Adapter) TakeLastAnonCompiled(h [32]byte) (query.Compiled, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	entry := a.lastAnon
	a.lastAnon = nil
	if entry == nil || entry.hash != h {
		return query.Compiled{}, false
	}
	return entry.compiled, true
}

// StateDescriptionNeeded reports whether the client has not yet been
// told about the current state type id, and records it as sent.
func (a *Adapter) StateDescriptionNeeded() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	cur := a.View.StateTypeID()
	if cur == a.lastSentTID {
		return false
	}
	a.lastSentTID = cur
	return true
}

// TxStatusByte derives the `Z` ready-for-query status from the view, not
// the backend (spec §6: "Status derives from the view ... because
// compile-time errors can desync the two").
func (a *Adapter) TxStatusByte() byte {
	if a.View.TxError() {
		return byte(TxInError)
	}
	if a.View.InTx() {
		return byte(TxInTx)
	}
	return byte(TxIdle)
}
