// Package query defines the compiled-query data model shared by the
// parse/execute, dump, and restore engines: the QueryRequestInfo
// fingerprint used as a cache key, and the CompiledQuery/QueryUnit shapes
// returned by the external compiler collaborator.
package query

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// OutputFormat is the client-requested shape of returned data.
type OutputFormat byte

const (
	FormatBinary      OutputFormat = 'b'
	FormatJSON        OutputFormat = 'j'
	FormatJSONElement OutputFormat = 'J'
	FormatNone        OutputFormat = 'n'
)

func (f OutputFormat) Valid() bool {
	switch f {
	case FormatBinary, FormatJSON, FormatJSONElement, FormatNone:
		return true
	default:
		return false
	}
}

// Cardinality is the expected or actual number of rows a unit produces.
type Cardinality byte

const (
	CardinalityNoResult  Cardinality = 0
	CardinalityAtMostOne Cardinality = 'o'
	CardinalityMany      Cardinality = 'm'
)

// Capabilities is a 64-bit bitmask naming classes of side effect a query
// unit may perform. The zero value permits nothing.
type Capabilities uint64

const (
	CapModifications Capabilities = 1 << iota
	CapDDL
	CapSessionConfig
	CapTransaction
	CapPersistentConfig
	CapAnalyze
)

var capabilityNames = map[Capabilities]string{
	CapModifications:    "modifications",
	CapDDL:              "ddl",
	CapSessionConfig:    "session_config",
	CapTransaction:      "transaction",
	CapPersistentConfig: "persistent_config",
	CapAnalyze:          "analyze",
}

// String names a single-bit Capabilities value, as returned by Disabled.
// Multi-bit or zero values render as their raw hex value.
func (c Capabilities) String() string {
	if name, ok := capabilityNames[c]; ok {
		return name
	}
	return fmt.Sprintf("0x%x", uint64(c))
}

// Allowed reports whether every bit set in unit is also set in permitted.
func Allowed(unit, permitted Capabilities) bool {
	return unit&^permitted == 0
}

// Disabled returns the first capability present in unit but absent from
// permitted, and whether any such bit exists.
func Disabled(unit, permitted Capabilities) (Capabilities, bool) {
	diff := unit &^ permitted
	if diff == 0 {
		return 0, false
	}
	return diff & (-diff), true // lowest set bit, for a stable, reproducible name
}

// RequestInfo is the fingerprint of a parse/execute request: the cache key
// for compiled queries. Equality and hashing are defined over every field;
// two RequestInfo values with equal fields must reuse the same compile.
type RequestInfo struct {
	TokenizedSource       string
	NormalizedLiteralsKey string
	ProtocolMajor         uint16
	ProtocolMinor         uint16
	OutputFormat          OutputFormat
	ExpectOne             bool
	ImplicitLimit         int64
	InlineTypeIDs         bool
	InlineTypeNames       bool
	InlineObjectIDs       bool
	AllowCapabilities     Capabilities
}

// Hash returns a stable fingerprint of the RequestInfo, used both as the
// per-view compiled-query cache key and as the "last anonymous compiled"
// single-slot cache key (see DESIGN.md).
func (r RequestInfo) Hash() [32]byte {
	h := sha256.New()
	h.Write([]byte(r.TokenizedSource))
	h.Write([]byte{0})
	h.Write([]byte(r.NormalizedLiteralsKey))
	h.Write([]byte{0})
	var scratch [8]byte
	binary.BigEndian.PutUint16(scratch[:2], r.ProtocolMajor)
	binary.BigEndian.PutUint16(scratch[2:4], r.ProtocolMinor)
	h.Write(scratch[:4])
	h.Write([]byte{byte(r.OutputFormat)})
	if r.ExpectOne {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	binary.BigEndian.PutUint64(scratch[:], uint64(r.ImplicitLimit))
	h.Write(scratch[:])
	var flags byte
	if r.InlineTypeIDs {
		flags |= 1
	}
	if r.InlineTypeNames {
		flags |= 2
	}
	if r.InlineObjectIDs {
		flags |= 4
	}
	h.Write([]byte{flags})
	binary.BigEndian.PutUint64(scratch[:], uint64(r.AllowCapabilities))
	h.Write(scratch[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// TypeDescriptor is an encoded shape descriptor paired with its 16-byte id.
type TypeDescriptor struct {
	ID      uuid.UUID
	Encoded []byte
}

// Unit is the compiler's atomic execution step.
type Unit struct {
	SQL    []string
	Status string // e.g. "SELECT", "INSERT", "DUMP", "RESTORE"

	InType  TypeDescriptor
	OutType TypeDescriptor

	Cardinality  Cardinality
	Capabilities Capabilities

	TxCommit            bool
	TxRollback          bool
	TxSavepointDeclare  bool
	TxSavepointRollback bool
	TxAbortMigration    bool

	DDLStmtID        string
	NeedsReadback    bool
	IsExplain        bool
	CreateDB         bool
	DropDB           bool
	CreateDBTemplate string
	SystemConfig     bool
	BackendConfig    bool
	DatabaseConfig   bool

	// StaticConfigOps is the compiler's statically-compiled fallback for a
	// SystemConfig unit whose backend round trip doesn't itself return a
	// tagged JSON config-op row.
	StaticConfigOps []json.RawMessage

	PreparedStatementHash string
	Cacheable             bool
}

// Group is an ordered, non-empty sequence of Units sharing one bind-arg
// metadata block.
type Group struct {
	Units []Unit

	FirstExtra  int
	ExtraCounts []int
	ExtraBlobs  [][]byte
}

// IsScript reports whether this group must run through the multi-step
// script path: length > 1, or any unit needs a readback.
func (g Group) IsScript() bool {
	if len(g.Units) > 1 {
		return true
	}
	for _, u := range g.Units {
		if u.NeedsReadback {
			return true
		}
	}
	return false
}

// Compiled is the compiler's output for one RequestInfo.
type Compiled struct {
	Group Group
}
