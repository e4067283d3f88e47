// Package errs defines the engine's error taxonomy (spec §7) and the
// on-wire error frame encoding (spec §6). Every error surfaced to a client
// implements EngineError so the dispatcher can translate it into an `E`
// frame without a type switch at the call site.
package errs

import (
	"fmt"

	"github.com/protoengine/frontend/internal/wire"
)

// Severity bytes for the `E` frame.
const (
	SeverityError   byte = 'E'
	SeverityFatal   byte = 'F'
	SeverityPanic   byte = 'P'
)

// Field keys used in the `E` frame's key/value tail.
const (
	FieldHint             uint16 = 0x0001
	FieldServerTraceback  uint16 = 0x0002
	FieldPosition         uint16 = 0x0003
)

// Error codes. These are small stable integers private to this engine —
// values are grouped by taxonomy so a caller can test a range instead of
// enumerating the full error catalog.
const (
	CodeBinaryProtocolError      int32 = 0x0100_0001
	CodeAuthenticationError      int32 = 0x0200_0001
	CodeAccessError              int32 = 0x0200_0002
	CodeProtocolError            int32 = 0x0300_0001
	CodeDisabledCapabilityError  int32 = 0x0300_0002
	CodeParameterTypeMismatch    int32 = 0x0300_0003
	CodeStateMismatchError       int32 = 0x0300_0004
	CodeIdleSessionTimeoutError  int32 = 0x0300_0005
	CodeServerBlockedError       int32 = 0x0400_0001
	CodeServerOfflineError       int32 = 0x0400_0002
	CodeBackendError             int32 = 0x0500_0001
	CodeBackendUnavailableError  int32 = 0x0500_0002
	CodeUnsupportedFeatureError  int32 = 0x0600_0001
	CodeInternalServerError      int32 = 0x0900_0001
)

// EngineError is implemented by every error this package defines.
type EngineError interface {
	error
	Code() int32
	Severity() byte
	Fields() map[uint16]string
}

type baseError struct {
	msg      string
	code     int32
	severity byte
	fields   map[uint16]string
}

func (e *baseError) Error() string             { return e.msg }
func (e *baseError) Code() int32               { return e.code }
func (e *baseError) Severity() byte            { return e.severity }
func (e *baseError) Fields() map[uint16]string { return e.fields }

func newf(code int32, severity byte, format string, args ...any) *baseError {
	return &baseError{msg: fmt.Sprintf(format, args...), code: code, severity: severity, fields: map[uint16]string{}}
}

func BinaryProtocolError(format string, args ...any) EngineError {
	return newf(CodeBinaryProtocolError, SeverityFatal, format, args...)
}

func AuthenticationError(format string, args ...any) EngineError {
	return newf(CodeAuthenticationError, SeverityFatal, format, args...)
}

func AccessError(format string, args ...any) EngineError {
	return newf(CodeAccessError, SeverityFatal, format, args...)
}

func ProtocolError(format string, args ...any) EngineError {
	return newf(CodeProtocolError, SeverityError, format, args...)
}

// DisabledCapabilityError names the specific offending capability per
// spec §4.E step 5.
func DisabledCapabilityError(capName string) EngineError {
	return newf(CodeDisabledCapabilityError, SeverityError,
		"the query requests capability %q which is disabled for this connection", capName)
}

func ParameterTypeMismatchError() EngineError {
	return newf(CodeParameterTypeMismatch, SeverityError,
		"the query has been changed by schema migration or module alias resolution, its input type is no longer valid")
}

func StateMismatchError() EngineError {
	return newf(CodeStateMismatchError, SeverityError,
		"the session state type descriptor is no longer valid, the server sent an updated description")
}

func IdleSessionTimeoutError() EngineError {
	return newf(CodeIdleSessionTimeoutError, SeverityFatal, "closing connection due to idle timeout")
}

func ServerBlockedError(reason string) EngineError {
	return newf(CodeServerBlockedError, SeverityFatal, "server is blocked: %s", reason)
}

func ServerOfflineError(reason string) EngineError {
	return newf(CodeServerOfflineError, SeverityFatal, "server is offline: %s", reason)
}

func BackendError(format string, args ...any) EngineError {
	return newf(CodeBackendError, SeverityError, format, args...)
}

func BackendUnavailableError(format string, args ...any) EngineError {
	return newf(CodeBackendUnavailableError, SeverityFatal, format, args...)
}

func UnsupportedFeatureError(format string, args ...any) EngineError {
	return newf(CodeUnsupportedFeatureError, SeverityError, format, args...)
}

// InternalServerError wraps an unrecognized error, attaching a bug-report
// hint and (if non-empty) the original formatted traceback.
func InternalServerError(cause error, traceback string) EngineError {
	e := newf(CodeInternalServerError, SeverityFatal, "internal server error: %v", cause)
	e.fields[FieldHint] = "Please file a bug report: https://github.com/protoengine/frontend/issues/new"
	if traceback != "" {
		e.fields[FieldServerTraceback] = traceback
	}
	return e
}

// WithField attaches an extra field (e.g. FieldPosition) and returns the
// same error for chaining.
func WithField(e EngineError, key uint16, value string) EngineError {
	if b, ok := e.(*baseError); ok {
		b.fields[key] = value
		return b
	}
	return e
}

// WriteTo encodes the `E` error frame: u8 severity, i32 code, utf8 message,
// u16 nfields, {u16 key, utf8 value}×nfields.
func WriteTo(w *wire.Writer, e EngineError) error {
	w.Begin('E')
	w.Uint8(e.Severity())
	w.Int32(e.Code())
	w.UTF8String(e.Error())
	fields := e.Fields()
	w.Uint16(uint16(len(fields)))
	for k, v := range fields {
		w.Uint16(k)
		w.UTF8String(v)
	}
	return w.End()
}

// IsOfflineOrBlocked reports whether the recovery policy should close the
// connection immediately rather than enter drain-to-Sync (spec §4.D, §7).
func IsOfflineOrBlocked(e EngineError) bool {
	return e.Code() == CodeServerOfflineError || e.Code() == CodeServerBlockedError
}
