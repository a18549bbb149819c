package transport

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"
)

// ErrPoolClosed is returned by Get after Close.
var ErrPoolClosed = errors.New("transport: pool closed")

// Pool keeps one multiplexed Connection per endpoint URL. Connections are
// created lazily on first use; one that has reached Disconnected or Closed
// is replaced on the next Get.
//
// Unlike a borrow/return pool, callers share the connection: every Call and
// OpenStream is correlated by id, so nothing is handed back.
type Pool struct {
	dialer func(url string) Dialer // Dialer factory per endpoint
	opts   []Option
	log    *zap.Logger

	mu     sync.Mutex
	conns  map[string]*poolEntry
	closed bool
}

type poolEntry struct {
	conn  *Connection
	ready chan struct{} // Closed once the first Connect returns
	err   error         // Result of the first Connect; read after ready
}

// dead reports whether e should be replaced. mu must be held.
func (e *poolEntry) dead() bool {
	select {
	case <-e.ready:
	default:
		return false
	}
	if e.err != nil {
		return true
	}
	switch e.conn.State() {
	case StateDisconnected, StateClosed:
		return true
	}
	return false
}

// NewPool returns an empty pool. Every connection is built with opts.
func NewPool(dialer func(url string) Dialer, opts ...Option) *Pool {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return &Pool{
		dialer: dialer,
		opts:   opts,
		log:    o.Logger,
		conns:  make(map[string]*poolEntry),
	}
}

// Get returns a connected Connection to url, dialing one if needed.
// Concurrent Gets for the same url share the dial.
func (p *Pool) Get(ctx context.Context, url string) (*Connection, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	e, ok := p.conns[url]
	if ok && e.dead() {
		p.log.Debug("replacing dead connection", zap.String("url", url), zap.Stringer("state", e.conn.State()))
		_ = e.conn.Disconnect()
		ok = false
	}
	if ok {
		p.mu.Unlock()
		select {
		case <-e.ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		if e.err != nil {
			return nil, e.err
		}
		return e.conn, nil
	}

	e = &poolEntry{conn: NewConnection(p.dialer(url), p.opts...), ready: make(chan struct{})}
	p.conns[url] = e
	p.mu.Unlock()

	e.err = e.conn.Connect(ctx)
	close(e.ready)
	if e.err != nil {
		p.mu.Lock()
		if p.conns[url] == e {
			delete(p.conns, url)
		}
		p.mu.Unlock()
		_ = e.conn.Disconnect()
		return nil, e.err
	}
	return e.conn, nil
}

// Len returns the number of pooled connections.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close disconnects every pooled connection. Further Gets fail.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()

	var errs []error
	for _, e := range conns {
		errs = append(errs, e.conn.Disconnect())
	}
	return errors.Join(errs...)
}
