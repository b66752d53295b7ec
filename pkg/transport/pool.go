package transport

import (
	"context"
	"sync"

	"github.com/cuemby/taskmesh/pkg/security"
)

// cell holds one peer's connection behind its own mutex, so dialing peer A
// never blocks a concurrent dial to peer B. This is the same shape as the
// gossip toy's serveLoop accept/serve split: isolate each peer's I/O so one
// slow or dead peer cannot stall the rest of the fleet.
type cell struct {
	mu   sync.Mutex
	conn *Conn
}

// Pool caches one outbound Conn per peer base URL. It does not check a
// cached connection's health; a new dial happens only after Drop has
// removed the cached one.
type Pool struct {
	certs    *security.CertStore
	selfHost string

	mu    sync.Mutex
	cells map[string]*cell
}

// NewPool returns an empty connection pool. selfHost is advertised in the
// upgrade handshake of every outbound dial.
func NewPool(certs *security.CertStore, selfHost string) *Pool {
	return &Pool{certs: certs, selfHost: selfHost, cells: make(map[string]*cell)}
}

func (p *Pool) cellFor(baseURL string) *cell {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.cells[baseURL]
	if !ok {
		c = &cell{}
		p.cells[baseURL] = c
	}
	return c
}

// Get returns the cached connection to baseURL, dialing one if none is
// cached. A cached connection is returned as is, whether or not it still
// works.
func (p *Pool) Get(ctx context.Context, baseURL string) (*Conn, error) {
	c := p.cellFor(baseURL)
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		return c.conn, nil
	}

	conn, err := Dial(ctx, p.certs, baseURL, p.selfHost)
	if err != nil {
		return nil, err
	}
	c.conn = conn
	return conn, nil
}

// Drop closes and evicts any cached connection to baseURL, forcing the
// next Get to redial. Callers invoke this after a Send/Recv failure.
func (p *Pool) Drop(baseURL string) {
	c := p.cellFor(baseURL)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// CloseAll closes every cached connection.
func (p *Pool) CloseAll() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, c := range p.cells {
		c.mu.Lock()
		if c.conn != nil {
			c.conn.Close()
			c.conn = nil
		}
		c.mu.Unlock()
	}
}
