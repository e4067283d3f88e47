package dispatch

import (
	"context"
	"sync/atomic"

	"github.com/protoengine/frontend/internal/backend"
	"github.com/protoengine/frontend/internal/dump"
	"github.com/protoengine/frontend/internal/errs"
	"github.com/protoengine/frontend/internal/restore"
	"github.com/protoengine/frontend/internal/wire"
)

// connLoop is the per-connection dispatch table (spec.md §4.D): read one
// top-level message, act on it, and loop. A top-level action error that
// isn't an offline/blocked rejection drops the connection into a
// drain-to-Sync recovery sub-mode rather than closing it outright.
func (l *Listener) connLoop(ctx context.Context, r *wire.Reader, w *wire.Writer, sess *connSession) {
	for {
		mt, err := r.ReadMessage()
		if err != nil {
			return
		}

		switch mt {
		case 'S':
			if err := r.Finish(); err != nil {
				return
			}
			if err := writeReadyForQuery(w, sess.adapter); err != nil {
				return
			}
			continue
		case 'H':
			if err := r.Finish(); err != nil {
				return
			}
			continue
		case 'X':
			r.Finish()
			return
		}

		actionErr := l.dispatchAction(ctx, mt, r, w, sess)
		if actionErr == nil {
			continue
		}

		ee, ok := actionErr.(errs.EngineError)
		if !ok {
			ee = errs.InternalServerError(actionErr, "")
		}
		if err := errs.WriteTo(w, ee); err != nil {
			return
		}

		if errs.IsOfflineOrBlocked(ee) {
			writeReadyForQuery(w, sess.adapter)
			return
		}

		if !l.drainToSync(r, w, sess) {
			return
		}
	}
}

// dispatchAction runs the readiness check and then the one top-level
// action named by mt.
func (l *Listener) dispatchAction(ctx context.Context, mt byte, r *wire.Reader, w *wire.Writer, sess *connSession) error {
	switch mt {
	case 'P':
		if err := l.checkReadiness(); err != nil {
			r.Finish()
			return err
		}
		return sess.engine.Parse(ctx, r, w)

	case 'O':
		if err := l.checkReadiness(); err != nil {
			r.Finish()
			return err
		}
		return l.withBackend(ctx, sess, func(ch backend.Channel) error {
			return sess.engine.Execute(ctx, r, w, ch)
		})

	case '>':
		if err := l.checkReadiness(); err != nil {
			r.Finish()
			return err
		}
		if sess.adapter.View.InTx() {
			return errs.ProtocolError("dump is not allowed inside a transaction")
		}
		atomic.AddInt64(&l.dumpRestore, 1)
		defer atomic.AddInt64(&l.dumpRestore, -1)
		err := dump.Run(ctx, r, w, l.pool, l.compiler, l.metrics, sess.database(), uint16(sess.version.Major), uint16(sess.version.Minor), l.cfg.DumpQueueCap)
		return err

	case '<':
		if err := l.checkReadiness(); err != nil {
			r.Finish()
			return err
		}
		if sess.adapter.View.InTx() {
			return errs.ProtocolError("restore is not allowed inside a transaction")
		}
		atomic.AddInt64(&l.dumpRestore, 1)
		defer atomic.AddInt64(&l.dumpRestore, -1)
		return restore.Run(ctx, r, w, l.pool, l.compiler, l.metrics, sess.adapter, sess.database())

	case 'D', 'E', 'Q':
		r.Finish()
		return errs.BinaryProtocolError("message type %q is not supported by this protocol engine", mt)

	default:
		r.Finish()
		return errs.ProtocolError("unrecognized message type %q", mt)
	}
}

// drainToSync discards messages until the next Sync (or Terminate), then
// emits a single ReadyForQuery to resynchronize the client. It reports
// whether the connection should continue.
func (l *Listener) drainToSync(r *wire.Reader, w *wire.Writer, sess *connSession) bool {
	for {
		mt, err := r.ReadMessage()
		if err != nil {
			return false
		}
		switch mt {
		case 'X':
			r.Finish()
			return false
		case 'S':
			if err := r.Finish(); err != nil {
				return false
			}
			if err := writeReadyForQuery(w, sess.adapter); err != nil {
				return false
			}
			return true
		default:
			if err := r.Finish(); err != nil {
				return false
			}
		}
	}
}

// withBackend acquires a backend connection for the duration of fn and
// always releases it afterward, regardless of error (spec.md §4.D: "Never
// held across a top-level Sync boundary"). It prefers a connection already
// holding sess's current serialized session state, so a session that keeps
// landing on the same backend connection doesn't pay to re-establish config
// or tx-local state the connection already has.
func (l *Listener) withBackend(ctx context.Context, sess *connSession, fn func(ch backend.Channel) error) error {
	_, preferState := sess.adapter.View.SerializeState()
	conn, err := l.pool.Acquire(ctx, preferState)
	if err != nil {
		return errs.BackendUnavailableError("acquiring backend connection: %v", err)
	}
	defer l.pool.Return(conn)
	return fn(conn)
}

// database reports the database name this session authenticated against,
// for dump/restore which need it but don't otherwise carry it on connSession.
func (s *connSession) database() string { return s.databaseName }
