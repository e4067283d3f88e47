// Package backend implements the engine's view of its single PG-family
// backend: a pooled raw-protocol connection exposing exactly the method
// set spec.md's "out of scope" list names, treated everywhere else in
// this module as an opaque Channel.
package backend

import (
	"context"

	"github.com/google/uuid"

	"github.com/protoengine/frontend/internal/query"
)

// Channel is the opaque backend connection the dispatcher and engine
// execute queries through. A real implementation (Conn, below) speaks the
// wire protocol to a live backend; tests substitute a fake.
type Channel interface {
	// SQLExecute runs a single already-compiled unit against the backend
	// and returns its raw result rows, already encoded per unit.OutType.
	SQLExecute(ctx context.Context, unit query.Unit, state []byte) (rows [][]byte, err error)

	// ParseExecute runs a unit with bind arguments, returning result rows
	// and any newly observed type descriptors the backend reported.
	ParseExecute(ctx context.Context, unit query.Unit, bindArgs []byte, state []byte) (rows [][]byte, newTypes []query.TypeDescriptor, err error)

	// RunDDL executes a schema-changing statement and returns the type
	// descriptors of anything it introduced.
	RunDDL(ctx context.Context, sql string, state []byte) (newTypes []query.TypeDescriptor, err error)

	// Dump streams the backend's data blocks for a serializable snapshot
	// read into blocks, which the caller owns and drains.
	Dump(ctx context.Context, blocks chan<- []byte) error

	// Restore ingests one data block, remapping type ids per typeIDMap.
	Restore(ctx context.Context, block []byte, typeIDMap map[uuid.UUID]uuid.UUID) error

	// ForceError asks the backend to fail its next statement; used by the
	// engine's script path after a unit of the script has failed.
	ForceError(ctx context.Context) error

	// InTx reports whether the backend connection is mid-transaction.
	InTx() bool

	// LastState returns the most recently observed serialized session
	// state blob, or nil if none has been captured yet.
	LastState() []byte
}
