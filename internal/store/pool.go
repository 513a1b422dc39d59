package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/flitsinc/nogicos/internal/metrics"
)

// connPool keeps a fixed set of pinned connections. When all of them are
// borrowed, acquire opens an ephemeral connection that is closed on release
// instead of making the caller wait.
type connPool struct {
	db      *sql.DB
	idle    chan *sql.Conn
	logger  *slog.Logger
	metrics *metrics.Metrics

	mu     sync.Mutex
	closed bool

	ephemeral atomic.Uint64
}

func newConnPool(ctx context.Context, db *sql.DB, size int, logger *slog.Logger, m *metrics.Metrics) (*connPool, error) {
	p := &connPool{
		db:      db,
		idle:    make(chan *sql.Conn, size),
		logger:  logger,
		metrics: m,
	}
	for i := 0; i < size; i++ {
		conn, err := db.Conn(ctx)
		if err != nil {
			p.close()
			return nil, fmt.Errorf("open pooled connection %d: %w", i, err)
		}
		p.idle <- conn
	}
	return p, nil
}

// acquire returns a connection and the function that gives it back. The
// release function must be called exactly once with the error (if any) the
// caller hit while using the connection.
func (p *connPool) acquire(ctx context.Context) (*sql.Conn, func(error), error) {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return nil, nil, ErrClosed
	}

	select {
	case conn := <-p.idle:
		return conn, func(err error) { p.put(ctx, conn, err) }, nil
	default:
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("open ephemeral connection: %w", err)
	}
	p.ephemeral.Add(1)
	p.metrics.StoreEphemeralConns.Inc()
	p.logger.Debug("connection pool exhausted; using ephemeral connection")
	return conn, func(error) { _ = conn.Close() }, nil
}

func (p *connPool) put(ctx context.Context, conn *sql.Conn, useErr error) {
	if errors.Is(useErr, sql.ErrConnDone) {
		_ = conn.Close()
		fresh, err := p.db.Conn(context.WithoutCancel(ctx))
		if err != nil {
			p.logger.Warn("replace broken pooled connection", "error", err)
			return
		}
		conn = fresh
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		_ = conn.Close()
		return
	}
	p.idle <- conn
}

func (p *connPool) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for {
		select {
		case conn := <-p.idle:
			_ = conn.Close()
		default:
			return
		}
	}
}
