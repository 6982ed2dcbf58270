package delivery

import (
	"context"
	"sync"

	"github.com/parcelpost/relay/internal/pkg/logger"
)

// Pool maintains persistent SMTP connections keyed by exchanger host. Each
// host holds at most maxConns pooled connections, and a connection is
// retired after maxMessages sends. The pool is shared across tenants; every
// send supplies its own full envelope and headers.
type Pool struct {
	dialer      Dialer
	maxConns    int
	maxMessages int

	mu    sync.Mutex
	idle  map[string][]*pooledConn
	count map[string]int
}

type pooledConn struct {
	conn Conn
	host string
	sent int
	// pooled is false for overflow connections dialed past the per-host
	// cap; those close after one use instead of returning to the pool.
	pooled bool
}

func NewPool(dialer Dialer, maxConns, maxMessages int) *Pool {
	return &Pool{
		dialer:      dialer,
		maxConns:    maxConns,
		maxMessages: maxMessages,
		idle:        make(map[string][]*pooledConn),
		count:       make(map[string]int),
	}
}

// Get returns an idle connection for host or dials a new one. Connections
// past the per-host cap are dialed as single-use overflow.
func (p *Pool) Get(ctx context.Context, host string) (*pooledConn, error) {
	p.mu.Lock()
	if conns := p.idle[host]; len(conns) > 0 {
		pc := conns[len(conns)-1]
		p.idle[host] = conns[:len(conns)-1]
		p.mu.Unlock()
		return pc, nil
	}

	pooled := p.count[host] < p.maxConns
	if pooled {
		p.count[host]++
	}
	p.mu.Unlock()

	conn, err := p.dialer.Dial(ctx, host)
	if err != nil {
		if pooled {
			p.mu.Lock()
			p.count[host]--
			p.mu.Unlock()
		}
		return nil, err
	}
	return &pooledConn{conn: conn, host: host, pooled: pooled}, nil
}

// Put returns a connection after a successful send. Connections that hit
// the message ceiling, and overflow connections, are closed instead of
// pooled.
func (p *Pool) Put(pc *pooledConn) {
	pc.sent++
	if !pc.pooled || pc.sent >= p.maxMessages {
		p.discard(pc)
		return
	}

	p.mu.Lock()
	p.idle[pc.host] = append(p.idle[pc.host], pc)
	p.mu.Unlock()
}

// Discard closes a connection after a failed send.
func (p *Pool) Discard(pc *pooledConn) {
	p.discard(pc)
}

func (p *Pool) discard(pc *pooledConn) {
	if err := pc.conn.Close(); err != nil {
		logger.Debug("closing smtp connection", "host", pc.host, "error", err.Error())
	}
	if pc.pooled {
		p.mu.Lock()
		p.count[pc.host]--
		p.mu.Unlock()
	}
}

// Close drains and closes every idle connection.
func (p *Pool) Close() {
	p.mu.Lock()
	var all []*pooledConn
	for host, conns := range p.idle {
		all = append(all, conns...)
		delete(p.idle, host)
	}
	p.mu.Unlock()

	for _, pc := range all {
		p.discard(pc)
	}
}
