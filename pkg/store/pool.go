// Package store owns the single shared database connection pool and the
// conversation rows behind it. The pool is a handle held by the Guard, not
// package-global state: lazy create on first use, explicit teardown, and a
// recycle-after-repeated-failure policy that heals pools poisoned by a
// flaky network path without surfacing errors to every caller.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// failureThreshold is the consecutive-failure count that triggers a pool
// recycle.
const failureThreshold = 3

// Pool is the subset of *pgxpool.Pool the guard routes through. Narrowed to
// an interface so tests can run without postgres.
type Pool interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Guard routes all queries through a lazily created pool and recycles it
// after repeated consecutive failures. Safe for concurrent use.
type Guard struct {
	connString string
	newPool    func(ctx context.Context, connString string) (Pool, error)

	mu           sync.Mutex
	pool         Pool
	failures     int
	afterConnect func(ctx context.Context, conn *pgx.Conn) error
}

// NewGuard creates a guard for the given connection string. No connection
// is made until the first query.
func NewGuard(connString string) *Guard {
	g := &Guard{connString: connString}
	// acquire holds g.mu when calling newPool, so afterConnect is read
	// without re-locking.
	g.newPool = func(ctx context.Context, cs string) (Pool, error) {
		cfg, err := pgxpool.ParseConfig(cs)
		if err != nil {
			return nil, err
		}
		cfg.AfterConnect = g.afterConnect
		return pgxpool.NewWithConfig(ctx, cfg)
	}
	return g
}

// SetAfterConnect installs a per-connection setup hook applied whenever the
// pool is created or recycled. Call before first use.
func (g *Guard) SetAfterConnect(hook func(ctx context.Context, conn *pgx.Conn) error) {
	g.mu.Lock()
	g.afterConnect = hook
	g.mu.Unlock()
}

// acquire returns the current pool, creating it if needed.
func (g *Guard) acquire(ctx context.Context) (Pool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pool != nil {
		return g.pool, nil
	}
	if g.connString == "" {
		return nil, fmt.Errorf("no database connection string configured")
	}
	pool, err := g.newPool(ctx, g.connString)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	g.pool = pool
	slog.Info("database pool created")
	return pool, nil
}

// Query runs a query through the guarded pool and tracks its outcome.
func (g *Guard) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	pool, err := g.acquire(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := pool.Query(ctx, sql, args...)
	if err != nil {
		g.RecordFailure()
		return nil, err
	}
	g.RecordSuccess()
	return rows, nil
}

// Exec runs a statement through the guarded pool and tracks its outcome.
func (g *Guard) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	pool, err := g.acquire(ctx)
	if err != nil {
		return pgconn.CommandTag{}, err
	}
	tag, err := pool.Exec(ctx, sql, args...)
	if err != nil {
		g.RecordFailure()
		return tag, err
	}
	g.RecordSuccess()
	return tag, nil
}

// Transaction begins a transaction, runs fn with the leased connection,
// commits on success and rolls back when fn returns an error. The
// connection is released regardless of outcome. Failing to begin is a
// distinct condition from fn failing: only the latter rolls back.
func (g *Guard) Transaction(ctx context.Context, fn func(pgx.Tx) error) error {
	pool, err := g.acquire(ctx)
	if err != nil {
		return err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		g.RecordFailure()
		return fmt.Errorf("begin transaction: %w", err)
	}

	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(ctx); rbErr != nil && rbErr != pgx.ErrTxClosed {
			slog.Warn("transaction rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		g.RecordFailure()
		return fmt.Errorf("commit transaction: %w", err)
	}
	g.RecordSuccess()
	return nil
}

// RecordFailure increments the consecutive-failure counter. At the
// threshold the pool is torn down; the next use lazily recreates it.
func (g *Guard) RecordFailure() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures++
	if g.failures < failureThreshold {
		return
	}
	slog.Warn("recycling database pool after repeated failures", "failures", g.failures)
	if g.pool != nil {
		g.pool.Close()
		g.pool = nil
	}
	g.failures = 0
}

// RecordSuccess resets the consecutive-failure counter.
func (g *Guard) RecordSuccess() {
	g.mu.Lock()
	g.failures = 0
	g.mu.Unlock()
}

// ResetPool tears the pool down unconditionally. Idempotent; safe to call
// when no pool exists.
func (g *Guard) ResetPool() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.pool != nil {
		g.pool.Close()
		g.pool = nil
		slog.Info("database pool reset")
	}
	g.failures = 0
}

// Close releases the pool at shutdown. Alias for ResetPool with shutdown
// semantics.
func (g *Guard) Close() { g.ResetPool() }
