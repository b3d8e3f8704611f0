package signerlock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/aalan294/PEC-MediPlus/pkg/logger"
)

const keyPrefix = "mediplus:signer:"

// releaseScript deletes the lock only while it still holds our token, so an
// expired lock taken over by another process is left alone.
var releaseScript = redis.NewScript(`
	if redis.call('GET', KEYS[1]) == ARGV[1] then
		return redis.call('DEL', KEYS[1])
	end
	return 0
`)

// Redis is a Locker shared by every service instance using the same Redis.
type Redis struct {
	client redis.Cmdable
	ttl    time.Duration
	poll   time.Duration
	logger *logger.Logger
}

// NewRedis creates a Redis-backed locker. ttl bounds how long a crashed
// holder can block a signer; it must exceed the chain confirm timeout.
func NewRedis(client redis.Cmdable, ttl time.Duration, log *logger.Logger) *Redis {
	return &Redis{client: client, ttl: ttl, poll: 50 * time.Millisecond, logger: log}
}

// Lock implements Locker
func (r *Redis) Lock(ctx context.Context, address string) (func(), error) {
	key := keyPrefix + normalize(address)
	token := uuid.NewString()

	for {
		ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire signer lock: %w", err)
		}
		if ok {
			break
		}

		timer := time.NewTimer(r.poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, r.client, []string{key}, token).Err(); err != nil {
				r.logger.WithComponent("signerlock").WithError(err).WithField("key", key).
					Warn("Failed to release signer lock; it will expire")
			}
		})
	}, nil
}

// NewRedisClient connects to Redis and pings it
func NewRedisClient(ctx context.Context, addr, password string, db, poolSize int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
		PoolSize: poolSize,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}
