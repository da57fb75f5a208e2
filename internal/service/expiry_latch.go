package service

import (
	"context"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// ExpiryLatch lets exactly one timer claim the expiry of an attempt, across
// re-created sessions and across instances. Release hands the claim back
// after a forced submit that did not go through.
type ExpiryLatch interface {
	Acquire(ctx context.Context, attemptID string) (bool, error)
	Release(ctx context.Context, attemptID string) error
}

const expiryLatchPrefix = "attempt:expired:"

type RedisExpiryLatch struct {
	Client *redis.Client
	TTL    time.Duration
}

func NewRedisExpiryLatch(client *redis.Client, ttl time.Duration) *RedisExpiryLatch {
	return &RedisExpiryLatch{Client: client, TTL: ttl}
}

func (l *RedisExpiryLatch) Acquire(ctx context.Context, attemptID string) (bool, error) {
	return l.Client.SetNX(ctx, expiryLatchPrefix+attemptID, time.Now().Unix(), l.TTL).Result()
}

func (l *RedisExpiryLatch) Release(ctx context.Context, attemptID string) error {
	return l.Client.Del(ctx, expiryLatchPrefix+attemptID).Err()
}

// MemoryExpiryLatch is the single-instance latch used when redis is off.
type MemoryExpiryLatch struct {
	mu    sync.Mutex
	ttl   time.Duration
	fired map[string]time.Time
	now   func() time.Time
}

func NewMemoryExpiryLatch(ttl time.Duration) *MemoryExpiryLatch {
	return &MemoryExpiryLatch{ttl: ttl, fired: make(map[string]time.Time), now: time.Now}
}

func (l *MemoryExpiryLatch) Acquire(_ context.Context, attemptID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for id, at := range l.fired {
		if now.Sub(at) > l.ttl {
			delete(l.fired, id)
		}
	}
	if _, ok := l.fired[attemptID]; ok {
		return false, nil
	}
	l.fired[attemptID] = now
	return true, nil
}

func (l *MemoryExpiryLatch) Release(_ context.Context, attemptID string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.fired, attemptID)
	return nil
}
