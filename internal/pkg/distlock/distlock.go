package distlock

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is the interface for distributed locking.
// Implementations are safe for concurrent use; a holder that loses the race
// simply gets false from Acquire.
type DistLock interface {
	// Acquire tries to acquire the lock without blocking. Returns true if successful.
	Acquire(ctx context.Context) (bool, error)
	// Release releases the lock if we still own it.
	Release(ctx context.Context) error
}

// Extender is implemented by leased locks whose TTL must be refreshed
// during long-running work.
type Extender interface {
	Extend(ctx context.Context, ttl time.Duration) error
}

// Rerunner is implemented by locks shared between processes. A caller that
// finds the lock held leaves a request with RequestRerun; the holder picks
// it up with TakeRerun after Release and runs its work again, so work made
// due by another process is not left for the next periodic sweep.
type Rerunner interface {
	RequestRerun(ctx context.Context) error
	// TakeRerun reports and clears a pending request.
	TakeRerun(ctx context.Context) (bool, error)
}

// NewLock creates a distributed lock using the best available backend.
// If redisClient is non-nil, uses Redis (preferred for cross-host locking).
// Otherwise falls back to PostgreSQL advisory locks, and to an in-process
// lock when there is no database either.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	if db != nil {
		return NewPGAdvisoryLock(db, key)
	}
	return NewLocalLock()
}

// =============================================================================
// In-process lock (single instance deployments and tests)
// =============================================================================

// LocalLock is a compare-and-swap flag. It is safe for concurrent use.
type LocalLock struct {
	mu   sync.Mutex
	held bool
}

// NewLocalLock returns an unheld in-process lock.
func NewLocalLock() *LocalLock { return &LocalLock{} }

// Acquire sets the flag if it is clear.
func (l *LocalLock) Acquire(context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held {
		return false, nil
	}
	l.held = true
	return true, nil
}

// Release clears the flag.
func (l *LocalLock) Release(context.Context) error {
	l.mu.Lock()
	l.held = false
	l.mu.Unlock()
	return nil
}

// Held reports whether the flag is set.
func (l *LocalLock) Held() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.held
}

// =============================================================================
// PostgreSQL Advisory Lock (fallback when Redis is unavailable)
// =============================================================================
// Uses pg_try_advisory_lock / pg_advisory_unlock which are session-scoped,
// so the lock pins one pooled connection from Acquire until Release.
// The lock is automatically released if that connection drops.

// PGAdvisoryLock implements DistLock using PostgreSQL advisory locks.
type PGAdvisoryLock struct {
	db     *sql.DB
	key    string
	lockID int64

	mu   sync.Mutex
	conn *sql.Conn
}

// NewPGAdvisoryLock creates a PG advisory lock with a deterministic lock ID
// derived from the given key string.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{
		db:     db,
		key:    key,
		lockID: int64(h.Sum64()),
	}
}

// Acquire tries to acquire the advisory lock. Returns true if successful.
// Uses pg_try_advisory_lock which returns immediately (non-blocking).
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn != nil {
		return false, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("advisory lock conn: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("advisory lock %d: %w", l.lockID, err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conn = conn
	return true, nil
}

// Release releases the advisory lock and returns its connection to the pool.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.conn == nil {
		return nil
	}
	_, err := l.conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	closeErr := l.conn.Close()
	l.conn = nil
	return errors.Join(err, closeErr)
}

// RequestRerun records a request in drain_requests. Repeated requests
// collapse into one row.
func (l *PGAdvisoryLock) RequestRerun(ctx context.Context) error {
	if _, err := l.db.ExecContext(ctx, `
		INSERT INTO drain_requests (lock_key, requested_at) VALUES ($1, NOW())
		ON CONFLICT (lock_key) DO UPDATE SET requested_at = EXCLUDED.requested_at
	`, l.key); err != nil {
		return fmt.Errorf("request rerun %s: %w", l.key, err)
	}
	return nil
}

// TakeRerun deletes the request row, if any.
func (l *PGAdvisoryLock) TakeRerun(ctx context.Context) (bool, error) {
	res, err := l.db.ExecContext(ctx, `DELETE FROM drain_requests WHERE lock_key = $1`, l.key)
	if err != nil {
		return false, fmt.Errorf("take rerun %s: %w", l.key, err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}
