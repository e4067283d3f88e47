package dispatch

import (
	"github.com/google/uuid"

	"github.com/protoengine/frontend/internal/auth"
	"github.com/protoengine/frontend/internal/engine"
	"github.com/protoengine/frontend/internal/errs"
	"github.com/protoengine/frontend/internal/session"
	"github.com/protoengine/frontend/internal/wire"
)

// connSession is everything the dispatch loop needs once a connection has
// authenticated: its negotiated protocol version, its session adapter, and
// the engine bound to that adapter.
type connSession struct {
	version      auth.Version
	adapter      *session.Adapter
	engine       *engine.Engine
	databaseName string
}

// handshakeAndAuth runs spec.md §4.C end to end: ClientHandshake, version
// negotiation, and either the SASL or JWT auth path. It returns the
// connSession the dispatch loop then drives.
func (l *Listener) handshakeAndAuth(r *wire.Reader, w *wire.Writer) (*connSession, error) {
	mt, err := r.ReadMessage()
	if err != nil {
		return nil, errs.BinaryProtocolError("reading handshake: %v", err)
	}
	if mt != 'V' {
		return nil, errs.BinaryProtocolError("expected ClientHandshake ('V'), got %q", mt)
	}
	hs, err := auth.ReadClientHandshake(r)
	if err != nil {
		return nil, err
	}
	if err := r.Finish(); err != nil {
		return nil, errs.BinaryProtocolError("%v", err)
	}

	negotiated, changed := auth.Negotiate(hs.Version, l.cfg.MinVersion, l.cfg.CurrentVersion)
	if changed {
		if err := auth.WriteNegotiateProtocolVersion(w, negotiated); err != nil {
			return nil, err
		}
	}

	user, database := hs.Params["user"], hs.Params["database"]
	if user == "" || database == "" {
		return nil, errs.BinaryProtocolError("required connection parameters 'user'/'database' missing")
	}

	if err := l.authenticate(r, w, user, database, hs.Params); err != nil {
		return nil, err
	}

	view, err := l.newView(database, user)
	if err != nil {
		return nil, errs.InternalServerError(err, "")
	}
	adapter := session.NewAdapter(view)
	eng := engine.New(adapter, l.compiler, l.metrics, negotiated.Major, negotiated.Minor)

	return &connSession{version: negotiated, adapter: adapter, engine: eng, databaseName: database}, nil
}

// authenticate dispatches to the SASL or JWT auth path per policy: a
// configured KeySource plus a bearer-style parameter selects JWT; absent
// that, SASL-SCRAM runs (spec.md §4.C.4-6).
func (l *Listener) authenticate(r *wire.Reader, w *wire.Writer, user, database string, params map[string]string) error {
	if l.cfg.Keys != nil {
		if authData, ok := bearerCandidate(params); ok {
			if err := l.authenticateJWT(authData, params, database, user); err != nil {
				l.metrics.AuthAttempt("jwt", "failed")
				return err
			}
			l.metrics.AuthAttempt("jwt", "ok")
			return l.finishAuth(w)
		}
	}
	if err := l.authenticateSASL(r, w, user); err != nil {
		l.metrics.AuthAttempt("scram-sha-256", "failed")
		return err
	}
	l.metrics.AuthAttempt("scram-sha-256", "ok")
	return l.finishAuth(w)
}

func bearerCandidate(params map[string]string) (string, bool) {
	if v, ok := params["auth_data"]; ok && v != "" {
		return v, true
	}
	if v, ok := params["secret_key"]; ok && v != "" {
		return v, true
	}
	return "", false
}

func (l *Listener) authenticateJWT(authData string, params map[string]string, database, user string) error {
	token, version, err := auth.ExtractBearerToken(authData, params)
	if err != nil {
		return err
	}
	claims, err := auth.ParseAndValidate(token, version, l.cfg.Keys)
	if err != nil {
		return err
	}
	return auth.CheckScopes(claims, l.cfg.InstanceName, database, user)
}

func (l *Listener) authenticateSASL(r *wire.Reader, w *wire.Writer, user string) error {
	if err := auth.WriteAuthenticationSASL(w, l.cfg.Mechanisms); err != nil {
		return err
	}

	mt, err := r.ReadMessage()
	if err != nil {
		return errs.BinaryProtocolError("reading SASL initial response: %v", err)
	}
	if mt != 'p' {
		return errs.BinaryProtocolError("expected SASLInitialResponse ('p'), got %q", mt)
	}
	_, clientFirst, err := auth.ReadSASLInitialResponse(r)
	if err != nil {
		return errs.BinaryProtocolError("%v", err)
	}
	if err := r.Finish(); err != nil {
		return errs.BinaryProtocolError("%v", err)
	}

	ex, serverFirst, err := auth.BeginScram(user, clientFirst, l.cfg.Credentials)
	if err != nil {
		return err
	}
	if err := auth.WriteAuthenticationSASLContinue(w, serverFirst); err != nil {
		return err
	}

	mt, err = r.ReadMessage()
	if err != nil {
		return errs.BinaryProtocolError("reading SASL response: %v", err)
	}
	if mt != 'r' {
		return errs.BinaryProtocolError("expected SASLResponse ('r'), got %q", mt)
	}
	clientFinal, err := auth.ReadSASLResponse(r)
	if err != nil {
		return errs.BinaryProtocolError("%v", err)
	}
	if err := r.Finish(); err != nil {
		return errs.BinaryProtocolError("%v", err)
	}

	serverFinal, err := ex.Finish(clientFinal)
	if err != nil {
		return err
	}
	return auth.WriteAuthenticationSASLFinal(w, serverFinal)
}

func (l *Listener) finishAuth(w *wire.Writer) error {
	return auth.WriteAuthenticationOK(w)
}

// sendReadySequence emits the rest of spec.md §4.C.7's fixed success
// sequence: K, s, S×2, Z.
func (l *Listener) sendReadySequence(w *wire.Writer, sess *connSession) error {
	w.Begin('K')
	w.Raw(make([]byte, 32))
	if err := w.End(); err != nil {
		return err
	}

	tid, _ := sess.adapter.View.SerializeState()
	if err := writeStateDescription(w, tid); err != nil {
		return err
	}
	sess.adapter.StateDescriptionNeeded() // record as sent

	if err := writeServerStatus(w, "suggested_pool_concurrency", "1"); err != nil {
		return err
	}
	if err := writeServerStatus(w, "system_config", ""); err != nil {
		return err
	}

	return writeReadyForQuery(w, sess.adapter)
}

func writeStateDescription(w *wire.Writer, tid uuid.UUID) error {
	w.Begin('s')
	w.UUID(tid)
	return w.End()
}

func writeServerStatus(w *wire.Writer, name, value string) error {
	w.Begin('S')
	w.UTF8String(name)
	w.UTF8String(value)
	return w.End()
}

func writeReadyForQuery(w *wire.Writer, adapter *session.Adapter) error {
	w.Begin('Z')
	w.Uint16(0)
	w.Uint8(adapter.TxStatusByte())
	return w.End()
}
