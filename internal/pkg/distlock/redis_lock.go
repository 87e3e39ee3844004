package distlock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotOwner is returned by Extend when the lease has expired or been
// taken by another holder.
var ErrNotOwner = errors.New("lock not owned")

var (
	releaseScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("del", KEYS[1])
		else
			return 0
		end
	`)
	extendScript = redis.NewScript(`
		if redis.call("get", KEYS[1]) == ARGV[1] then
			return redis.call("pexpire", KEYS[1], ARGV[2])
		else
			return 0
		end
	`)
)

// RedisLock provides distributed locking via Redis using SET NX with TTL.
// It uses a random ownership value and Lua scripts for atomic release/extend
// to prevent accidental release of locks held by other processes.
type RedisLock struct {
	client   *redis.Client
	key      string
	rerunKey string
	value    string
	ttl      time.Duration
}

// NewRedisLock creates a new distributed lock backed by Redis.
func NewRedisLock(client *redis.Client, key string, ttl time.Duration) *RedisLock {
	b := make([]byte, 16)
	rand.Read(b)
	return &RedisLock{
		client:   client,
		key:      fmt.Sprintf("lock:%s", key),
		rerunKey: fmt.Sprintf("lock:%s:rerun", key),
		value:    hex.EncodeToString(b),
		ttl:      ttl,
	}
}

// Acquire tries to acquire the lock. Returns true if successful.
func (l *RedisLock) Acquire(ctx context.Context) (bool, error) {
	result, err := l.client.SetNX(ctx, l.key, l.value, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", l.key, err)
	}
	return result, nil
}

// Release releases the lock only if we still own it.
func (l *RedisLock) Release(ctx context.Context) error {
	_, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.value).Result()
	return err
}

// Extend pushes the lock TTL out while a drain is still running.
// Returns ErrNotOwner if the lease was lost.
func (l *RedisLock) Extend(ctx context.Context, ttl time.Duration) error {
	n, err := extendScript.Run(ctx, l.client, []string{l.key}, l.value, ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("extend lock %s: %w", l.key, ErrNotOwner)
	}
	return nil
}

// RequestRerun sets the rerun key. It expires with the lease, so a request
// left by a holder that crashed does not outlive the lock it was meant for.
func (l *RedisLock) RequestRerun(ctx context.Context) error {
	if err := l.client.Set(ctx, l.rerunKey, "1", l.ttl).Err(); err != nil {
		return fmt.Errorf("request rerun %s: %w", l.key, err)
	}
	return nil
}

// TakeRerun reads and deletes the rerun key in one command.
func (l *RedisLock) TakeRerun(ctx context.Context) (bool, error) {
	err := l.client.GetDel(ctx, l.rerunKey).Err()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("take rerun %s: %w", l.key, err)
	}
	return true, nil
}

// ConnectRedis parses url (a redis:// URL or a bare host:port) and pings the
// server. Callers fall back to NewLock's other backends on error.
func ConnectRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", opts.Addr, err)
	}
	return client, nil
}
