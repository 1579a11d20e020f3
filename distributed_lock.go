package savedobjects

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lease is an advisory, cross-process claim on a migration. Holding it only
// saves other processes redundant work; the index-creation race decides
// correctness either way.
type Lease interface {
	// Acquire returns ErrLockHeld when another process holds name.
	Acquire(ctx context.Context, name string) (release func(), err error)
}

// DistributedLock provides Redis-based locking for coordinating processes
// that migrate the same index.
type DistributedLock struct {
	redis      *redis.Client
	keyPrefix  string
	defaultTTL time.Duration
	ownsClient bool // If true, Close() will close the Redis client
}

// NewDistributedLock creates a new distributed lock manager using Redis
func NewDistributedLock(redis *redis.Client, keyPrefix string) *DistributedLock {
	return &DistributedLock{
		redis:      redis,
		keyPrefix:  keyPrefix,
		defaultTTL: 30 * time.Second,
	}
}

// NewDistributedLockWithOwnedClient creates a lock manager that owns the Redis client
func NewDistributedLockWithOwnedClient(redis *redis.Client, keyPrefix string) *DistributedLock {
	l := NewDistributedLock(redis, keyPrefix)
	l.ownsClient = true
	return l
}

// WithTTL sets the TTL used by Acquire.
func (l *DistributedLock) WithTTL(ttl time.Duration) *DistributedLock {
	if ttl > 0 {
		l.defaultTTL = ttl
	}
	return l
}

const releaseScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
else
	return 0
end`

const refreshScript = `
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("pexpire", KEYS[1], ARGV[2])
else
	return 0
end`

func (l *DistributedLock) lockKey(key string) string {
	return fmt.Sprintf("%s:lock:%s", l.keyPrefix, key)
}

// Lock acquires a distributed lock for the given key.
// Returns a release function that MUST be called to release the lock.
//
//	release, err := lock.Lock(ctx, ".kibana", 30*time.Second)
//	if err != nil {
//	    return err
//	}
//	defer release()
func (l *DistributedLock) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	if ttl == 0 {
		ttl = l.defaultTTL
	}

	lockKey := l.lockKey(key)
	lockValue := NewID()

	success, err := l.redis.SetNX(ctx, lockKey, lockValue, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !success {
		return nil, WithContext(ErrLockHeld, map[string]interface{}{
			"key": key,
			"ttl": ttl,
		})
	}

	release := func() {
		// The caller's context may already be cancelled.
		l.redis.Eval(context.Background(), releaseScript, []string{lockKey}, lockValue)
	}
	return release, nil
}

// Acquire takes the lock for name and keeps extending its TTL until
// release is called, so a migration longer than the TTL keeps its lease.
func (l *DistributedLock) Acquire(ctx context.Context, name string) (func(), error) {
	ttl := l.defaultTTL
	release, err := l.Lock(ctx, name, ttl)
	if err != nil {
		return nil, err
	}

	lockKey := l.lockKey(name)
	value, err := l.redis.Get(ctx, lockKey).Result()
	if err != nil {
		release()
		return nil, fmt.Errorf("failed to read lock: %w", err)
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(ttl / 3)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				l.redis.Eval(context.Background(), refreshScript, []string{lockKey}, value, ttl.Milliseconds())
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			close(stop)
			wg.Wait()
			release()
		})
	}, nil
}

// TryLockWithRetry attempts to acquire a lock with exponential backoff retry.
func (l *DistributedLock) TryLockWithRetry(ctx context.Context, key string, ttl time.Duration, maxRetries int) (func(), error) {
	config := DefaultRetryConfig()
	config.MaxRetries = maxRetries

	var lastErr error
	for i := 0; i < config.MaxRetries; i++ {
		release, err := l.Lock(ctx, key, ttl)
		if err == nil {
			return release, nil
		}
		lastErr = err

		if i < config.MaxRetries-1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(config.Backoff(i)):
			}
		}
	}

	return nil, fmt.Errorf("failed to acquire lock after %d retries: %w", config.MaxRetries, lastErr)
}

// Close releases resources held by the distributed lock
func (l *DistributedLock) Close() error {
	if l.ownsClient && l.redis != nil {
		return l.redis.Close()
	}
	return nil
}
