package savedobjects

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func TestDistributedLock_BasicLockRelease(t *testing.T) {
	mr, client := newTestRedis(t)
	lock := NewDistributedLock(client, "test")

	release, err := lock.Lock(context.Background(), ".kibana", 5*time.Second)
	if err != nil {
		t.Fatalf("failed to acquire lock: %v", err)
	}
	if !mr.Exists("test:lock:.kibana") {
		t.Error("lock key should exist in Redis")
	}

	release()
	if mr.Exists("test:lock:.kibana") {
		t.Error("lock key should be removed after release")
	}
}

func TestDistributedLock_SecondHolderRejected(t *testing.T) {
	_, client := newTestRedis(t)
	lock := NewDistributedLock(client, "test")
	ctx := context.Background()

	release, err := lock.Lock(ctx, ".kibana", 5*time.Second)
	if err != nil {
		t.Fatalf("first lock acquisition failed: %v", err)
	}
	defer release()

	_, err = lock.Lock(ctx, ".kibana", 5*time.Second)
	if !errors.Is(err, ErrLockHeld) {
		t.Fatalf("expected ErrLockHeld, got %v", err)
	}
	if !IsRetryable(err) {
		t.Error("ErrLockHeld should be retryable")
	}
}

func TestDistributedLock_ReleaseOnlyOwnLock(t *testing.T) {
	mr, client := newTestRedis(t)
	lock := NewDistributedLock(client, "test")
	ctx := context.Background()

	release, err := lock.Lock(ctx, ".kibana", time.Second)
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}

	// The lock expires and another process takes it over.
	mr.FastForward(2 * time.Second)
	other, err := lock.Lock(ctx, ".kibana", time.Second)
	if err != nil {
		t.Fatalf("takeover failed: %v", err)
	}
	defer other()

	release()
	if !mr.Exists("test:lock:.kibana") {
		t.Error("stale release must not delete another holder's lock")
	}
}

func TestDistributedLock_TryLockWithRetry(t *testing.T) {
	_, client := newTestRedis(t)
	lock := NewDistributedLock(client, "test")
	ctx := context.Background()

	release1, err := lock.Lock(ctx, ".kibana", 5*time.Second)
	if err != nil {
		t.Fatalf("first lock acquisition failed: %v", err)
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		release1()
	}()

	start := time.Now()
	release2, err := lock.TryLockWithRetry(ctx, ".kibana", 5*time.Second, 8)
	if err != nil {
		t.Fatalf("retry lock acquisition failed: %v", err)
	}
	defer release2()

	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("lock should have waited for the first holder, elapsed: %v", elapsed)
	}
}

func TestDistributedLock_TryLockWithRetryContextCancelled(t *testing.T) {
	_, client := newTestRedis(t)
	lock := NewDistributedLock(client, "test")

	release, err := lock.Lock(context.Background(), ".kibana", 10*time.Second)
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, err = lock.TryLockWithRetry(ctx, ".kibana", time.Second, 50)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestDistributedLock_AcquireKeepsLeaseAlive(t *testing.T) {
	mr, client := newTestRedis(t)
	lock := NewDistributedLock(client, "somigrate").WithTTL(90 * time.Millisecond)

	release, err := lock.Acquire(context.Background(), ".kibana")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	// The refresher runs every ttl/3 and resets the key's TTL each time.
	time.Sleep(100 * time.Millisecond)
	if ttl := mr.TTL("somigrate:lock:.kibana"); ttl <= 0 {
		t.Errorf("lease TTL = %v, want a live TTL", ttl)
	}

	if _, err := lock.Acquire(context.Background(), ".kibana"); !errors.Is(err, ErrLockHeld) {
		t.Errorf("second Acquire: expected ErrLockHeld, got %v", err)
	}

	release()
	release()
	if mr.Exists("somigrate:lock:.kibana") {
		t.Error("lease should be gone after release")
	}
}

func TestDistributedLock_OneWinnerUnderContention(t *testing.T) {
	_, client := newTestRedis(t)
	lock := NewDistributedLock(client, "test")

	var winners int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := lock.Lock(context.Background(), ".kibana", 5*time.Second); err == nil {
				atomic.AddInt32(&winners, 1)
			}
		}()
	}
	wg.Wait()

	if winners != 1 {
		t.Errorf("winners = %d, want 1", winners)
	}
}

func TestDistributedLock_Close(t *testing.T) {
	_, client := newTestRedis(t)
	if err := NewDistributedLock(client, "test").Close(); err != nil {
		t.Errorf("Close on borrowed client: %v", err)
	}
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Errorf("borrowed client should stay open: %v", err)
	}

	mr := miniredis.RunT(t)
	owned := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	if err := NewDistributedLockWithOwnedClient(owned, "test").Close(); err != nil {
		t.Errorf("Close on owned client: %v", err)
	}
	if err := owned.Ping(context.Background()).Err(); err == nil {
		t.Error("owned client should be closed")
	}
}

func TestDistributedLockIsLease(t *testing.T) {
	var _ Lease = &DistributedLock{}
}
