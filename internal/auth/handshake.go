// Package auth implements connection handshake, version negotiation, SASL
// SCRAM-SHA-256 server-side authentication, and JWT bearer validation with
// scoped claims (spec §4.C).
package auth

import (
	"github.com/protoengine/frontend/internal/errs"
	"github.com/protoengine/frontend/internal/wire"
)

// Version is a (major, minor) protocol version pair.
type Version struct {
	Major uint16
	Minor uint16
}

// Less reports whether v sorts before o.
func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}
	return v.Minor < o.Minor
}

// ClientHandshake is the parsed body of a `V` ClientHandshake message.
type ClientHandshake struct {
	Version Version
	Params  map[string]string
}

// ReadClientHandshake parses: u16 major, u16 minor, u16 nparams,
// {utf8 k, utf8 v}×nparams, u16 reserved (=0).
func ReadClientHandshake(r *wire.Reader) (ClientHandshake, error) {
	var h ClientHandshake
	major, err := r.Uint16()
	if err != nil {
		return h, errs.BinaryProtocolError("reading handshake major version: %v", err)
	}
	minor, err := r.Uint16()
	if err != nil {
		return h, errs.BinaryProtocolError("reading handshake minor version: %v", err)
	}
	h.Version = Version{Major: major, Minor: minor}

	nparams, err := r.Uint16()
	if err != nil {
		return h, errs.BinaryProtocolError("reading handshake param count: %v", err)
	}
	h.Params = make(map[string]string, nparams)
	for i := uint16(0); i < nparams; i++ {
		k, err := r.UTF8String()
		if err != nil {
			return h, errs.BinaryProtocolError("reading handshake param key: %v", err)
		}
		v, err := r.UTF8String()
		if err != nil {
			return h, errs.BinaryProtocolError("reading handshake param value: %v", err)
		}
		h.Params[k] = v
	}

	reserved, err := r.Uint16()
	if err != nil {
		return h, errs.BinaryProtocolError("reading handshake reserved field: %v", err)
	}
	if reserved != 0 {
		return h, errs.BinaryProtocolError("reserved field in ClientHandshake must be zero, got %d", reserved)
	}
	return h, nil
}

// Negotiate clamps offered to [min, current]. It returns the negotiated
// version and whether it differs from what was offered — the caller emits
// a `v` NegotiateProtocolVersion frame only when it does (spec §4.C.1:
// "negotiation does not fail the connection").
func Negotiate(offered, min, current Version) (Version, bool) {
	if offered.Less(min) {
		return min, true
	}
	if current.Less(offered) {
		return current, true
	}
	return offered, false
}

// WriteNegotiateProtocolVersion emits `v`: target major, target minor,
// u16 0 extensions.
func WriteNegotiateProtocolVersion(w *wire.Writer, target Version) error {
	w.Begin('v')
	w.Uint16(target.Major)
	w.Uint16(target.Minor)
	w.Uint16(0)
	return w.End()
}
