// Package dispatch implements the per-connection request loop (spec.md
// §4.D): handshake orchestration, the top-level message dispatch table,
// readiness gating, and the drain-to-Sync error recovery sub-mode.
// Grounded on the teacher's proxy.Server accept-loop/handleConnection
// shape (internal/proxy/server.go), generalized from a protocol-relay
// proxy to a terminating protocol engine.
package dispatch

import (
	"context"
	"crypto/ecdsa"
	"crypto/rsa"
	"fmt"
	"log"
	"net"
	"sync"
	"sync/atomic"

	"github.com/protoengine/frontend/internal/auth"
	"github.com/protoengine/frontend/internal/backend"
	"github.com/protoengine/frontend/internal/compiler"
	"github.com/protoengine/frontend/internal/errs"
	"github.com/protoengine/frontend/internal/metrics"
	"github.com/protoengine/frontend/internal/session"
	"github.com/protoengine/frontend/internal/wire"
)

// ViewFactory builds a fresh per-connection View once a database/user pair
// has been authenticated. Production deployments inject a schema-aware
// implementation; session.MemoryView is the in-process reference.
type ViewFactory func(database, user string) (session.View, error)

// ReadinessChecker reports whether the engine is currently accepting
// top-level actions (spec.md §4.D: "before every top-level action consult
// the tenant's readiness"). A nil ReadinessChecker is always ready.
type ReadinessChecker interface {
	Readiness() (blocked bool, offline bool, reason string)
}

// Config bundles the policy knobs a Listener needs beyond its
// collaborators.
type Config struct {
	MinVersion     auth.Version
	CurrentVersion auth.Version
	Mechanisms     []auth.SASLMechanism
	Credentials    auth.CredentialLookup
	Keys           auth.KeySource // nil disables the JWT auth path
	InstanceName   string
	DumpQueueCap   int
}

// Listener accepts frontend connections and runs each one through the
// handshake, auth, and dispatch loop against one shared backend pool and
// compiler client.
type Listener struct {
	cfg       Config
	pool      *backend.Pool
	compiler  compiler.Client
	metrics   *metrics.Collector
	newView   ViewFactory
	readiness ReadinessChecker

	active      int64
	dumpRestore int64

	wg sync.WaitGroup
}

// NewListener builds a Listener. readiness may be nil.
func NewListener(cfg Config, pool *backend.Pool, c compiler.Client, m *metrics.Collector, newView ViewFactory, readiness ReadinessChecker) *Listener {
	return &Listener{cfg: cfg, pool: pool, compiler: c, metrics: m, newView: newView, readiness: readiness}
}

// ActiveConnections implements admin.ConnectionTracker.
func (l *Listener) ActiveConnections() int { return int(atomic.LoadInt64(&l.active)) }

// InDumpOrRestore implements admin.ConnectionTracker.
func (l *Listener) InDumpOrRestore() int { return int(atomic.LoadInt64(&l.dumpRestore)) }

// Serve accepts connections from ln until it is closed or ctx is
// cancelled, running each one in its own goroutine. It returns once the
// listener stops accepting.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				log.Printf("[dispatch] accept error: %v", err)
				continue
			}
		}
		l.wg.Add(1)
		go func() {
			defer l.wg.Done()
			l.handleConnection(ctx, conn)
		}()
	}
}

// Wait blocks until every in-flight connection goroutine has returned.
func (l *Listener) Wait() { l.wg.Wait() }

func (l *Listener) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	atomic.AddInt64(&l.active, 1)
	l.metrics.ConnectionOpened("authenticating")
	defer func() {
		atomic.AddInt64(&l.active, -1)
		l.metrics.ConnectionClosed("authenticating")
	}()

	r := wire.NewReader(conn)
	w := wire.NewWriter(conn)

	sess, err := l.handshakeAndAuth(r, w)
	if err != nil {
		l.writeFatal(w, err)
		return
	}

	l.metrics.ConnectionOpened("ready")
	defer l.metrics.ConnectionClosed("ready")

	if err := l.sendReadySequence(w, sess); err != nil {
		log.Printf("[dispatch] sending ready sequence: %v", err)
		return
	}

	l.connLoop(ctx, r, w, sess)
}

func (l *Listener) writeFatal(w *wire.Writer, err error) {
	ee, ok := err.(errs.EngineError)
	if !ok {
		ee = errs.InternalServerError(err, "")
	}
	errs.WriteTo(w, ee)
}

func (l *Listener) checkReadiness() error {
	if l.readiness == nil {
		return nil
	}
	blocked, offline, reason := l.readiness.Readiness()
	switch {
	case offline:
		l.metrics.ReadinessRejection("offline")
		return errs.ServerOfflineError(reason)
	case blocked:
		l.metrics.ReadinessRejection("blocked")
		return errs.ServerBlockedError(reason)
	default:
		return nil
	}
}

// rsaECKeys adapts a parsed RSA/EC key pair into auth.KeySource, for a
// Config built directly from loaded key material rather than a custom
// KeySource implementation.
type rsaECKeys struct {
	rsa *rsa.PublicKey
	ec  *ecdsa.PublicKey
}

func (k rsaECKeys) RSAPublicKey() (*rsa.PublicKey, error) {
	if k.rsa == nil {
		return nil, fmt.Errorf("no RSA key configured")
	}
	return k.rsa, nil
}

func (k rsaECKeys) ECPublicKey() (*ecdsa.PublicKey, error) {
	if k.ec == nil {
		return nil, fmt.Errorf("no EC key configured")
	}
	return k.ec, nil
}

// NewRSAKeySource wraps a single RSA public key as an auth.KeySource.
func NewRSAKeySource(pub *rsa.PublicKey) auth.KeySource { return rsaECKeys{rsa: pub} }

// NewECKeySource wraps a single EC public key as an auth.KeySource.
func NewECKeySource(pub *ecdsa.PublicKey) auth.KeySource { return rsaECKeys{ec: pub} }
