// Package engine implements the Parse/Execute query engine (spec §4.E):
// compiled-query caching (last-anonymous-compiled fast path plus the
// per-view cache), capability enforcement, and the rollback/single-
// statement/script execution modes.
package engine

import (
	"github.com/google/uuid"

	"github.com/protoengine/frontend/internal/errs"
	"github.com/protoengine/frontend/internal/query"
	"github.com/protoengine/frontend/internal/wire"
)

// Request is the common ParseExecuteRequest body (spec §6): `i64
// allow_capabilities, i64 compilation_flags, i64 implicit_limit, u8
// output_format, u8 expected_cardinality, len-pfx query, 16b state_tid,
// len-pfx state_data`.
type Request struct {
	AllowCapabilities query.Capabilities
	CompilationFlags  int64
	ImplicitLimit     int64
	OutputFormat      query.OutputFormat
	ExpectOne         bool
	Query             string
	StateTypeID       uuid.UUID
	StateData         []byte
}

// Compilation-flag bits (spec §6).
const (
	FlagInjectOutputTypeNames int64 = 1 << iota
	FlagInjectOutputTypeIDs
	FlagInjectOutputObjectIDs
)

// skipHeaders discards a generic `u16 count, {u16 key, len-pfx value}×count`
// header list (spec §4.E step 1: "all ignored").
func skipHeaders(r *wire.Reader) error {
	n, err := r.Uint16()
	if err != nil {
		return errs.BinaryProtocolError("reading header count: %v", err)
	}
	for i := uint16(0); i < n; i++ {
		if _, err := r.Uint16(); err != nil {
			return errs.BinaryProtocolError("reading header key: %v", err)
		}
		if _, err := r.Bytes(); err != nil {
			return errs.BinaryProtocolError("reading header value: %v", err)
		}
	}
	return nil
}

// readRequestBody reads the fields common to Parse and Execute, after the
// caller has already consumed the header list.
func readRequestBody(r *wire.Reader) (Request, error) {
	var req Request

	allowCaps, err := r.Int64()
	if err != nil {
		return req, errs.BinaryProtocolError("reading allow_capabilities: %v", err)
	}
	req.AllowCapabilities = query.Capabilities(allowCaps)

	flags, err := r.Int64()
	if err != nil {
		return req, errs.BinaryProtocolError("reading compilation_flags: %v", err)
	}
	req.CompilationFlags = flags

	limit, err := r.Int64()
	if err != nil {
		return req, errs.BinaryProtocolError("reading implicit_limit: %v", err)
	}
	if limit < 0 {
		return req, errs.BinaryProtocolError("implicit_limit must be non-negative, got %d", limit)
	}
	req.ImplicitLimit = limit

	formatByte, err := r.Uint8()
	if err != nil {
		return req, errs.BinaryProtocolError("reading output_format: %v", err)
	}
	req.OutputFormat = query.OutputFormat(formatByte)
	if !req.OutputFormat.Valid() {
		return req, errs.BinaryProtocolError("invalid output_format %q", formatByte)
	}

	cardByte, err := r.Uint8()
	if err != nil {
		return req, errs.BinaryProtocolError("reading expected_cardinality: %v", err)
	}
	switch cardByte {
	case 'o':
		req.ExpectOne = true
	case 'm':
		req.ExpectOne = false
	default:
		return req, errs.BinaryProtocolError("invalid expected_cardinality %q", cardByte)
	}

	queryBytes, err := r.UTF8String()
	if err != nil {
		return req, errs.BinaryProtocolError("reading query: %v", err)
	}
	req.Query = queryBytes

	tid, err := r.UUID()
	if err != nil {
		return req, errs.BinaryProtocolError("reading state_tid: %v", err)
	}
	req.StateTypeID = tid

	stateData, err := r.Bytes()
	if err != nil {
		return req, errs.BinaryProtocolError("reading state_data: %v", err)
	}
	req.StateData = stateData

	return req, nil
}

// ExecuteRequest is a Request plus the fields Execute appends: `16b
// expected_in_type_id, 16b expected_out_type_id, len-pfx bind_args`.
type ExecuteRequest struct {
	Request
	ExpectedInTypeID  uuid.UUID
	ExpectedOutTypeID uuid.UUID
	BindArgs          []byte
}

// ReadParseRequest reads a `P` Parse message body (headers already
// expected to be the first thing in the body, per spec §4.E step 1).
func ReadParseRequest(r *wire.Reader) (Request, error) {
	if err := skipHeaders(r); err != nil {
		return Request{}, err
	}
	return readRequestBody(r)
}

// ReadExecuteRequest reads an `O` Execute message body.
func ReadExecuteRequest(r *wire.Reader) (ExecuteRequest, error) {
	if err := skipHeaders(r); err != nil {
		return ExecuteRequest{}, err
	}
	req, err := readRequestBody(r)
	if err != nil {
		return ExecuteRequest{}, err
	}
	inTID, err := r.UUID()
	if err != nil {
		return ExecuteRequest{}, errs.BinaryProtocolError("reading expected_in_type_id: %v", err)
	}
	outTID, err := r.UUID()
	if err != nil {
		return ExecuteRequest{}, errs.BinaryProtocolError("reading expected_out_type_id: %v", err)
	}
	bindArgs, err := r.Bytes()
	if err != nil {
		return ExecuteRequest{}, errs.BinaryProtocolError("reading bind_args: %v", err)
	}
	return ExecuteRequest{Request: req, ExpectedInTypeID: inTID, ExpectedOutTypeID: outTID, BindArgs: bindArgs}, nil
}

// RequestInfo builds the compiled-query cache key fingerprint for req.
func (req Request) RequestInfo(protoMajor, protoMinor uint16) query.RequestInfo {
	return query.RequestInfo{
		TokenizedSource:   req.Query,
		ProtocolMajor:     protoMajor,
		ProtocolMinor:     protoMinor,
		OutputFormat:      req.OutputFormat,
		ExpectOne:         req.ExpectOne,
		ImplicitLimit:     req.ImplicitLimit,
		InlineTypeIDs:     req.CompilationFlags&FlagInjectOutputTypeIDs != 0,
		InlineTypeNames:   req.CompilationFlags&FlagInjectOutputTypeNames != 0,
		InlineObjectIDs:   req.CompilationFlags&FlagInjectOutputObjectIDs != 0,
		AllowCapabilities: req.AllowCapabilities,
	}
}
