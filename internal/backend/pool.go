package backend

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/protoengine/frontend/internal/config"
)

// Stats reports pool occupancy, generalized from the teacher's per-tenant
// Stats to this engine's single backend target.
type Stats struct {
	Active    int   `json:"active"`
	Idle      int   `json:"idle"`
	Total     int   `json:"total"`
	Waiting   int   `json:"waiting"`
	MaxConns  int   `json:"max_connections"`
	MinConns  int   `json:"min_connections"`
	Exhausted int64 `json:"pool_exhausted_total"`
}

// OnPoolExhausted is called when the pool reaches max connections and a
// caller must wait for one to be returned.
type OnPoolExhausted func()

// Pool manages connections to the single configured backend, generalizing
// the teacher's TenantPool free-list/sync.Cond/warm-up/reaper machinery from
// a tenant map down to one target.
type Pool struct {
	mu   sync.Mutex
	cond *sync.Cond

	host, database, username, password string
	port                                int
	minConns, maxConns                  int
	idleTimeout, maxLifetime            time.Duration
	acquireTimeout, dialTimeout         time.Duration

	idle      []*Conn
	active    map[*Conn]struct{}
	total     int
	waiting   int
	exhausted int64

	closed          bool
	stopCh          chan struct{}
	onPoolExhausted OnPoolExhausted
}

// NewPool builds a pool for the configured backend and starts its idle
// reaper and (if minConns > 0) background warm-up.
func NewPool(cfg config.BackendConfig) *Pool {
	p := &Pool{
		host:           cfg.Host,
		port:           cfg.Port,
		database:       cfg.Database,
		username:       cfg.Username,
		password:       cfg.Password,
		minConns:       cfg.EffectiveMinConnections(),
		maxConns:       cfg.EffectiveMaxConnections(),
		idleTimeout:    cfg.EffectiveIdleTimeout(),
		maxLifetime:    cfg.EffectiveMaxLifetime(),
		acquireTimeout: cfg.EffectiveAcquireTimeout(),
		dialTimeout:    cfg.EffectiveDialTimeout(),
		idle:           make([]*Conn, 0),
		active:         make(map[*Conn]struct{}),
		stopCh:         make(chan struct{}),
	}
	p.cond = sync.NewCond(&p.mu)

	go p.reapLoop()
	if p.minConns > 0 {
		go p.warmUp()
	}
	return p
}

// SetOnPoolExhausted installs a callback invoked (without the pool lock
// held) whenever Acquire must wait for a connection.
func (p *Pool) SetOnPoolExhausted(cb OnPoolExhausted) {
	p.mu.Lock()
	p.onPoolExhausted = cb
	p.mu.Unlock()
}

func (p *Pool) warmUp() {
	for i := 0; i < p.minConns; i++ {
		p.mu.Lock()
		if p.closed || p.total >= p.minConns {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		c, err := Dial(context.Background(), p.host, p.port, p.database, p.username, p.password, p.dialTimeout)
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			slog.Warn("backend warm-up connection failed", "index", i+1, "total", p.minConns, "err", err)
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			c.Close()
			return
		}
		c.pool = p
		c.lastUsed = time.Now()
		p.idle = append(p.idle, c)
		p.mu.Unlock()
	}
	slog.Info("pre-warmed backend connections", "count", p.minConns)
}

// Acquire returns a ready connection, creating one if the pool is under its
// max and none are idle, or waiting for one to be returned otherwise.
// preferState, when non-nil, is the caller's current serialized session
// state (session.View.SerializeState): the idle list is first searched for
// a connection already holding that exact backend session state, so a
// session doesn't pay to re-apply config/tx-local state it already set on a
// connection it used before. A nil preferState (dump, Ping; any
// caller with no session in scope) just takes the most recently idle conn.
func (p *Pool) Acquire(ctx context.Context, preferState []byte) (*Conn, error) {
	deadlineAt := time.Now().Add(p.acquireTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadlineAt) {
		deadlineAt = d
	}

	p.mu.Lock()
	for {
		select {
		case <-ctx.Done():
			p.mu.Unlock()
			return nil, ctx.Err()
		default:
		}

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("backend pool closed")
		}

		for len(p.idle) > 0 {
			c := p.pickIdle(preferState)

			if p.maxLifetime > 0 && time.Since(c.createdAt) > p.maxLifetime {
				c.Close()
				p.total--
				continue
			}
			if err := c.Ping(); err != nil {
				c.Close()
				p.total--
				continue
			}

			p.active[c] = struct{}{}
			p.mu.Unlock()
			return c, nil
		}

		if p.total < p.maxConns {
			p.total++
			p.mu.Unlock()

			c, err := Dial(ctx, p.host, p.port, p.database, p.username, p.password, p.dialTimeout)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				return nil, fmt.Errorf("connecting to backend %s:%d: %w", p.host, p.port, err)
			}
			c.pool = p

			p.mu.Lock()
			p.active[c] = struct{}{}
			p.mu.Unlock()
			return c, nil
		}

		p.waiting++
		p.exhausted++
		cb := p.onPoolExhausted
		p.mu.Unlock()

		if cb != nil {
			cb()
		}

		p.mu.Lock()
		remaining := time.Until(deadlineAt)
		if remaining <= 0 {
			p.waiting--
			p.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout (%s): backend pool exhausted", p.acquireTimeout)
		}

		timer := time.AfterFunc(remaining, func() {
			p.cond.Broadcast()
		})
		p.cond.Wait()
		timer.Stop()

		p.waiting--

		if p.closed {
			p.mu.Unlock()
			return nil, fmt.Errorf("backend pool closing")
		}
		if time.Now().After(deadlineAt) {
			p.mu.Unlock()
			return nil, fmt.Errorf("acquire timeout (%s): backend pool exhausted", p.acquireTimeout)
		}
	}
}

// pickIdle removes and returns a connection from the idle list, preferring
// one whose lastState matches preferState exactly. Caller holds p.mu.
func (p *Pool) pickIdle(preferState []byte) *Conn {
	if preferState != nil {
		for i, c := range p.idle {
			if bytesEqual(c.LastState(), preferState) {
				p.idle = append(p.idle[:i], p.idle[i+1:]...)
				return c
			}
		}
	}
	c := p.idle[len(p.idle)-1]
	p.idle = p.idle[:len(p.idle)-1]
	return c
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// InjectTestConn adds a pre-built Conn directly into the idle list,
// bypassing Dial and authentication. Test-only.
func (p *Pool) InjectTestConn(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c.pool = p
	c.lastUsed = time.Now()
	p.idle = append(p.idle, c)
	p.total++
	p.cond.Signal()
}

// Return releases a connection back to the pool.
func (p *Pool) Return(c *Conn) {
	p.mu.Lock()
	defer p.mu.Unlock()

	delete(p.active, c)

	expired := p.maxLifetime > 0 && time.Since(c.createdAt) > p.maxLifetime
	if p.closed || expired {
		c.Close()
		p.total--
		p.cond.Signal()
		return
	}

	c.lastUsed = time.Now()
	p.idle = append(p.idle, c)
	p.cond.Signal()
}

// Stats reports current pool occupancy.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Active:    len(p.active),
		Idle:      len(p.idle),
		Total:     p.total,
		Waiting:   p.waiting,
		MaxConns:  p.maxConns,
		MinConns:  p.minConns,
		Exhausted: p.exhausted,
	}
}

// Ping satisfies admin.BackendPinger: it acquires and immediately returns a
// connection, surfacing any dial/auth failure as the liveness result.
func (p *Pool) Ping(ctx context.Context) error {
	c, err := p.Acquire(ctx, nil)
	if err != nil {
		return err
	}
	p.Return(c)
	return nil
}

// ActiveConnections satisfies admin.ConnectionTracker's backend-pool half;
// the dispatcher supplies the frontend-facing connection count separately.
func (p *Pool) ActiveConnections() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// Drain closes idle connections and waits (with a timeout) for active ones
// to be returned before force-closing them.
func (p *Pool) Drain() {
	p.mu.Lock()
	for _, c := range p.idle {
		c.Close()
		p.total--
	}
	p.idle = p.idle[:0]
	activeCount := len(p.active)
	p.mu.Unlock()

	if activeCount == 0 {
		return
	}

	slog.Info("draining active backend connections", "count", activeCount)
	timeout := time.After(30 * time.Second)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			if len(p.active) == 0 {
				p.mu.Unlock()
				return
			}
			p.mu.Unlock()
		case <-timeout:
			p.mu.Lock()
			for c := range p.active {
				c.Close()
				p.total--
			}
			p.active = make(map[*Conn]struct{})
			p.mu.Unlock()
			slog.Warn("force-closed active backend connections after drain timeout")
			return
		}
	}
}

// Close shuts the pool down, draining all connections.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.stopCh)
	p.cond.Broadcast()
	p.mu.Unlock()

	p.Drain()
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.reapIdle()
		}
	}
}

func (p *Pool) reapIdle() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.idleTimeout <= 0 {
		return
	}
	var kept []*Conn
	for _, c := range p.idle {
		if len(kept) < p.minConns || time.Since(c.lastUsed) <= p.idleTimeout {
			kept = append(kept, c)
			continue
		}
		c.Close()
		p.total--
	}
	p.idle = kept
}
