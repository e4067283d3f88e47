package backend

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/protoengine/frontend/internal/query"
	"github.com/protoengine/frontend/internal/wire"
)

// Private message kinds spoken between this engine and its backend. The
// spec treats this IPC as opaque and fixes only the frontend-facing wire
// format, so this framing is an internal convention layered over the same
// codec (internal/wire) the frontend speaks.
const (
	beStartup byte = 'V'
	beNegotiate byte = 'v'
	beAuth      byte = 'R'
	beKeyData   byte = 'K'
	beStatus    byte = 'S'
	beStateDesc byte = 's'
	beReady     byte = 'Z'
	beError     byte = 'E'

	beSimpleExec byte = 'q' // SQLExecute / RunDDL
	beParseExec  byte = 'e' // ParseExecute
	beDataRow    byte = 'D'
	beNewType    byte = 'N'
	beForceErr   byte = 'f'
	beDumpStart  byte = 'u'
	beDumpBlock  byte = 'b'
	beDumpDone   byte = 'Z'
	beRestoreBlk byte = 'x'
)

const backendProtocolMajor uint16 = 7

// Conn is a single connection to the PG-family backend, implementing
// Channel over a raw net.Conn using internal/wire for framing.
type Conn struct {
	mu        sync.Mutex
	conn      net.Conn
	r         *wire.Reader
	w         *wire.Writer
	createdAt time.Time
	lastUsed  time.Time
	inTx      bool
	lastState []byte
	pool      *Pool
}

// Dial opens and authenticates a new backend connection.
func Dial(ctx context.Context, host string, port int, database, user, password string, dialTimeout time.Duration) (*Conn, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	dialer := net.Dialer{Timeout: dialTimeout, KeepAlive: 30 * time.Second}
	nc, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	c := &Conn{
		conn:      nc,
		r:         wire.NewReader(bufio.NewReader(nc)),
		w:         wire.NewWriter(nc),
		createdAt: time.Now(),
		lastUsed:  time.Now(),
	}

	if err := c.authenticate(user, password, database); err != nil {
		nc.Close()
		return nil, err
	}
	return c, nil
}

// NewTestConn wraps an already-connected net.Conn as a Conn without
// performing the backend handshake, for other packages' tests that drive a
// fake backend directly over net.Pipe (dump/restore can't reach Conn's
// unexported fields from outside this package).
func NewTestConn(conn net.Conn) *Conn {
	return &Conn{
		conn:      conn,
		r:         wire.NewReader(conn),
		w:         wire.NewWriter(conn),
		createdAt: time.Now(),
		lastUsed:  time.Now(),
	}
}

func (c *Conn) authenticate(user, password, database string) error {
	c.w.Begin(beStartup)
	c.w.Uint16(backendProtocolMajor)
	c.w.Uint16(0)
	c.w.Uint16(2)
	c.w.UTF8String("user")
	c.w.UTF8String(user)
	c.w.UTF8String("database")
	c.w.UTF8String(database)
	c.w.Uint16(0)
	if err := c.w.End(); err != nil {
		return err
	}

	for {
		mt, err := c.r.ReadMessage()
		if err != nil {
			return err
		}
		switch mt {
		case beNegotiate:
			// Target version ignored; this engine only speaks one.
			c.r.Uint16()
			c.r.Uint16()
			c.r.Uint16()
		case beAuth:
			kind, err := c.r.Int32()
			if err != nil {
				return err
			}
			switch kind {
			case 0:
				// AuthenticationOK.
			case 10:
				var mechs []string
				for {
					m, err := c.r.UTF8String()
					if err != nil {
						return err
					}
					if m == "" {
						break
					}
					mechs = append(mechs, m)
				}
				if err := scramSHA256Auth(c.r, c.w, user, password, mechs); err != nil {
					return fmt.Errorf("backend SCRAM auth: %w", err)
				}
			default:
				return fmt.Errorf("unsupported backend auth kind: %d", kind)
			}
		case beKeyData, beStatus, beStateDesc:
			// Not needed by this engine; discard the body.
		case beReady:
			status, _ := c.r.Uint8()
			c.inTx = status == 'T' || status == 'E'
			return nil
		case beError:
			return parseBackendError(c.r)
		}
	}
}

func parseBackendError(r *wire.Reader) error {
	r.Uint8()
	r.Int32()
	msg, _ := r.UTF8String()
	return fmt.Errorf("backend error: %s", msg)
}

// SQLExecute implements Channel.
func (c *Conn) SQLExecute(ctx context.Context, unit query.Unit, state []byte) (rows [][]byte, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.w.Begin(beSimpleExec)
	writeSQLFragments(c.w, unit.SQL)
	c.w.Bytes(state)
	if err := c.w.End(); err != nil {
		return nil, err
	}
	rows, err = c.readRows()
	if err == nil {
		c.lastState = state
	}
	return rows, err
}

// ParseExecute implements Channel.
func (c *Conn) ParseExecute(ctx context.Context, unit query.Unit, bindArgs []byte, state []byte) ([][]byte, []query.TypeDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.w.Begin(beParseExec)
	writeSQLFragments(c.w, unit.SQL)
	c.w.Bytes(bindArgs)
	c.w.Bytes(state)
	if err := c.w.End(); err != nil {
		return nil, nil, err
	}
	rows, newTypes, err := c.readRowsAndTypes()
	if err == nil {
		c.lastState = state
	}
	return rows, newTypes, err
}

// RunDDL implements Channel.
func (c *Conn) RunDDL(ctx context.Context, sql string, state []byte) ([]query.TypeDescriptor, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.w.Begin(beSimpleExec)
	c.w.UTF8String(sql)
	c.w.Bytes(state)
	if err := c.w.End(); err != nil {
		return nil, err
	}
	_, newTypes, err := c.readRowsAndTypes()
	if err == nil {
		c.lastState = state
	}
	return newTypes, err
}

// ForceError implements Channel: asks the backend to fail its next
// statement, used by the engine's script path after a failed unit.
func (c *Conn) ForceError(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.w.Begin(beForceErr)
	if err := c.w.End(); err != nil {
		return err
	}
	_, err := c.readRows()
	return err
}

// InTx implements Channel.
func (c *Conn) InTx() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inTx
}

// LastState implements Channel.
func (c *Conn) LastState() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastState
}

// Dump implements Channel: streams backend data blocks into blocks until
// the backend signals completion, then closes the channel.
func (c *Conn) Dump(ctx context.Context, blocks chan<- []byte) error {
	defer close(blocks)

	c.mu.Lock()
	defer c.mu.Unlock()

	c.w.Begin(beDumpStart)
	if err := c.w.End(); err != nil {
		return err
	}

	for {
		mt, err := c.r.ReadMessage()
		if err != nil {
			return err
		}
		switch mt {
		case beDumpBlock:
			b, err := c.r.Bytes()
			if err != nil {
				return err
			}
			if err := c.r.Finish(); err != nil {
				return err
			}
			select {
			case blocks <- b:
			case <-ctx.Done():
				return ctx.Err()
			}
		case beDumpDone:
			c.r.Uint8()
			return c.r.Finish()
		case beError:
			return parseBackendError(c.r)
		default:
			return fmt.Errorf("unexpected message %q during dump", mt)
		}
	}
}

// Restore implements Channel: sends one data block with its type-id remap
// for the backend to ingest.
func (c *Conn) Restore(ctx context.Context, block []byte, typeIDMap map[uuid.UUID]uuid.UUID) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.w.Begin(beRestoreBlk)
	c.w.Int32(int32(len(typeIDMap)))
	for from, to := range typeIDMap {
		c.w.UUID(from)
		c.w.UUID(to)
	}
	c.w.Bytes(block)
	if err := c.w.End(); err != nil {
		return err
	}
	_, err := c.readRows()
	return err
}

// writeSQLFragments writes a Unit's SQL (one statement, or several sharing
// one bind-arg block for a multi-statement script step) as a count-prefixed
// list of length-prefixed strings.
func writeSQLFragments(w *wire.Writer, frags []string) {
	w.Int32(int32(len(frags)))
	for _, f := range frags {
		w.UTF8String(f)
	}
}

func (c *Conn) readRows() ([][]byte, error) {
	rows, _, err := c.readRowsAndTypes()
	return rows, err
}

func (c *Conn) readRowsAndTypes() ([][]byte, []query.TypeDescriptor, error) {
	var rows [][]byte
	var types []query.TypeDescriptor
	for {
		mt, err := c.r.ReadMessage()
		if err != nil {
			return nil, nil, err
		}
		switch mt {
		case beDataRow:
			b, err := c.r.Bytes()
			if err != nil {
				return nil, nil, err
			}
			if err := c.r.Finish(); err != nil {
				return nil, nil, err
			}
			rows = append(rows, b)
		case beNewType:
			id, err := c.r.UUID()
			if err != nil {
				return nil, nil, err
			}
			enc, err := c.r.Bytes()
			if err != nil {
				return nil, nil, err
			}
			if err := c.r.Finish(); err != nil {
				return nil, nil, err
			}
			types = append(types, query.TypeDescriptor{ID: id, Encoded: enc})
		case beReady:
			status, _ := c.r.Uint8()
			c.inTx = status == 'T' || status == 'E'
			return rows, types, c.r.Finish()
		case beError:
			return nil, nil, parseBackendError(c.r)
		default:
			return nil, nil, fmt.Errorf("unexpected message %q from backend", mt)
		}
	}
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}

// Ping performs a lightweight liveness check: a short-deadline read that
// expects to time out (mirrors the teacher's PooledConn.Ping).
func (c *Conn) Ping() error {
	c.conn.SetReadDeadline(time.Now().Add(100 * time.Millisecond))
	buf := make([]byte, 1)
	_, err := c.conn.Read(buf)
	c.conn.SetReadDeadline(time.Time{})
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return nil
		}
		return err
	}
	return nil
}
