package auth

import "github.com/protoengine/frontend/internal/wire"

// Auth-kind values for the `R` Authentication message.
const (
	AuthOK            int32 = 0
	AuthSASL          int32 = 10
	AuthSASLContinue  int32 = 11
	AuthSASLFinal     int32 = 12
)

// WriteAuthenticationSASL emits `R` kind=10 with the offered mechanism
// list in server preference order.
func WriteAuthenticationSASL(w *wire.Writer, mechanisms []SASLMechanism) error {
	w.Begin('R')
	w.Int32(AuthSASL)
	for _, m := range mechanisms {
		w.UTF8String(string(m))
	}
	w.UTF8String("")
	return w.End()
}

// WriteAuthenticationSASLContinue emits `R` kind=11 with the opaque
// server-first-message.
func WriteAuthenticationSASLContinue(w *wire.Writer, challenge string) error {
	w.Begin('R')
	w.Int32(AuthSASLContinue)
	w.Raw([]byte(challenge))
	return w.End()
}

// WriteAuthenticationSASLFinal emits `R` kind=12 with the server-final
// verification message.
func WriteAuthenticationSASLFinal(w *wire.Writer, serverFinal string) error {
	w.Begin('R')
	w.Int32(AuthSASLFinal)
	w.Raw([]byte(serverFinal))
	return w.End()
}

// WriteAuthenticationOK emits `R` kind=0.
func WriteAuthenticationOK(w *wire.Writer) error {
	w.Begin('R')
	w.Int32(AuthOK)
	return w.End()
}

// ReadSASLInitialResponse parses a `p` message: utf8 selected_mech, bytes
// client_first.
func ReadSASLInitialResponse(r *wire.Reader) (mechanism string, clientFirst []byte, err error) {
	mechanism, err = r.UTF8String()
	if err != nil {
		return "", nil, err
	}
	clientFirst, err = r.Bytes()
	if err != nil {
		return "", nil, err
	}
	return mechanism, clientFirst, nil
}

// ReadSASLResponse parses a `r` message: a length-prefixed byte string
// holding the client-final-message.
func ReadSASLResponse(r *wire.Reader) ([]byte, error) {
	return r.Bytes()
}
