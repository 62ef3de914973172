package ldapauth

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// PoolConfig holds configuration for the lookup-connection pool.
type PoolConfig struct {
	// MaxConnections is the maximum number of concurrent lookup
	// connections (default: 10).
	MaxConnections int
	// MaxIdleTime is how long an idle connection may sit in the pool
	// before it is discarded (default: 5min).
	MaxIdleTime time.Duration
	// GetTimeout bounds the wait for a free slot when the pool is at
	// capacity (default: 10s). The per-call context still applies.
	GetTimeout time.Duration
}

// DefaultPoolConfig returns a PoolConfig with sensible defaults.
func DefaultPoolConfig() *PoolConfig {
	return &PoolConfig{
		MaxConnections: 10,
		MaxIdleTime:    5 * time.Minute,
		GetTimeout:     10 * time.Second,
	}
}

// PoolStats reports pool activity counters.
type PoolStats struct {
	// ActiveConnections is the number of connections currently borrowed.
	ActiveConnections int32
	// IdleConnections is the number of connections parked in the pool.
	IdleConnections int32
	// PoolHits counts borrows satisfied from an idle connection.
	PoolHits int64
	// PoolMisses counts borrows that had to open a new connection.
	PoolMisses int64
	// ConnectionsCreated is the total number of connections opened.
	ConnectionsCreated int64
	// ConnectionsClosed is the total number of connections closed.
	ConnectionsClosed int64
}

// idleConn wraps a parked connection with the time it was returned.
type idleConn struct {
	conn     Conn
	parkedAt time.Time
}

// connectionPool keeps lookup-bound connections for reuse across
// authentication calls. A borrowed connection is held exclusively by one
// call until returned; connections returned after a failure, or idle past
// MaxIdleTime, are closed instead of reused.
type connectionPool struct {
	config  *PoolConfig
	factory func(ctx context.Context) (Conn, error)
	logger  *slog.Logger

	mu     sync.Mutex
	idle   []idleConn
	closed bool
	// slots limits total connections, borrowed plus idle.
	slots chan struct{}

	active  atomic.Int32
	hits    atomic.Int64
	misses  atomic.Int64
	created atomic.Int64
	dropped atomic.Int64
}

func newConnectionPool(config *PoolConfig, factory func(ctx context.Context) (Conn, error), logger *slog.Logger) *connectionPool {
	cfg := *config
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = DefaultPoolConfig().MaxConnections
	}
	if cfg.MaxIdleTime <= 0 {
		cfg.MaxIdleTime = DefaultPoolConfig().MaxIdleTime
	}
	if cfg.GetTimeout <= 0 {
		cfg.GetTimeout = DefaultPoolConfig().GetTimeout
	}
	return &connectionPool{
		config:  &cfg,
		factory: factory,
		logger:  logger,
		slots:   make(chan struct{}, cfg.MaxConnections),
	}
}

// Get borrows a connection, reusing an idle one when available and
// opening a new one otherwise. It blocks up to GetTimeout for a slot when
// the pool is at capacity.
func (p *connectionPool) Get(ctx context.Context) (Conn, error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}

	ctx, cancel := context.WithTimeout(ctx, p.config.GetTimeout)
	defer cancel()

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return nil, newAuthError("pool_get", "", joinSentinel(ErrDirectoryUnreachable, ctx.Err()))
	}

	if conn := p.takeIdle(); conn != nil {
		p.hits.Add(1)
		p.active.Add(1)
		return conn, nil
	}

	p.misses.Add(1)
	conn, err := p.factory(ctx)
	if err != nil {
		<-p.slots
		return nil, err
	}
	p.created.Add(1)
	p.active.Add(1)
	return conn, nil
}

// takeIdle pops the freshest idle connection, discarding any that have
// sat past MaxIdleTime.
func (p *connectionPool) takeIdle() Conn {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}

	cutoff := time.Now().Add(-p.config.MaxIdleTime)
	for len(p.idle) > 0 {
		last := p.idle[len(p.idle)-1]
		p.idle = p.idle[:len(p.idle)-1]
		if last.parkedAt.After(cutoff) {
			return last.conn
		}
		_ = last.conn.Close()
		p.dropped.Add(1)
	}
	return nil
}

// Put returns a borrowed connection. Connections that saw a transport
// failure are closed rather than parked; a half-dead session must never
// be handed to the next call.
func (p *connectionPool) Put(conn Conn, failed bool) {
	p.active.Add(-1)
	defer func() { <-p.slots }()

	p.mu.Lock()
	closed := p.closed
	if !failed && !closed {
		p.idle = append(p.idle, idleConn{conn: conn, parkedAt: time.Now()})
		p.mu.Unlock()
		return
	}
	p.mu.Unlock()

	_ = conn.Close()
	p.dropped.Add(1)
}

// Stats returns a snapshot of pool activity.
func (p *connectionPool) Stats() PoolStats {
	p.mu.Lock()
	idle := int32(len(p.idle))
	p.mu.Unlock()

	return PoolStats{
		ActiveConnections:  p.active.Load(),
		IdleConnections:    idle,
		PoolHits:           p.hits.Load(),
		PoolMisses:         p.misses.Load(),
		ConnectionsCreated: p.created.Load(),
		ConnectionsClosed:  p.dropped.Load(),
	}
}

// Close discards all idle connections and marks the pool closed.
// Borrowed connections are closed as they are returned.
func (p *connectionPool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	for _, ic := range p.idle {
		_ = ic.conn.Close()
		p.dropped.Add(1)
	}
	p.idle = nil

	p.logger.Debug("connection_pool_closed",
		slog.Int64("connections_created", p.created.Load()),
		slog.Int64("connections_closed", p.dropped.Load()))
	return nil
}
