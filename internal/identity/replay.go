package identity

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReplayGuard records request nonces. Claim reports false when key was
// already claimed within ttl.
type ReplayGuard interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

// LocalReplayGuard remembers nonces in process memory.
type LocalReplayGuard struct {
	mu   sync.Mutex
	seen map[string]time.Time
	now  func() time.Time
}

// NewLocalReplayGuard creates an empty in-process guard
func NewLocalReplayGuard() *LocalReplayGuard {
	return &LocalReplayGuard{seen: make(map[string]time.Time), now: time.Now}
}

// Claim records key until ttl elapses. Expired keys are dropped on each call.
func (g *LocalReplayGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	for k, expires := range g.seen {
		if now.After(expires) {
			delete(g.seen, k)
		}
	}
	if _, ok := g.seen[key]; ok {
		return false, nil
	}
	g.seen[key] = now.Add(ttl)
	return true, nil
}

const replayKeyPrefix = "mediplus:nonce:"

// RedisReplayGuard shares nonces across every instance using the same Redis.
type RedisReplayGuard struct {
	client redis.Cmdable
}

// NewRedisReplayGuard creates a guard on client
func NewRedisReplayGuard(client redis.Cmdable) *RedisReplayGuard {
	return &RedisReplayGuard{client: client}
}

// Claim sets the nonce key with NX so only the first claim succeeds.
func (g *RedisReplayGuard) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return g.client.SetNX(ctx, replayKeyPrefix+key, 1, ttl).Result()
}
