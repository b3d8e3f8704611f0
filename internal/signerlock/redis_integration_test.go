//go:build integration

package signerlock

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/aalan294/PEC-MediPlus/pkg/logger"
)

func startRedis(t *testing.T) string {
	t.Helper()
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7-alpine",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections"),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "6379")
	require.NoError(t, err)
	return fmt.Sprintf("%s:%s", host, port.Port())
}

func TestRedis_LockAndRelease(t *testing.T) {
	ctx := context.Background()
	client, err := NewRedisClient(ctx, startRedis(t), "", 0, 4)
	require.NoError(t, err)
	defer client.Close()

	first := NewRedis(client, time.Minute, logger.NewNop())
	second := NewRedis(client, time.Minute, logger.NewNop())

	unlock, err := first.Lock(ctx, "0xAA")
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
	defer cancel()
	_, err = second.Lock(waitCtx, "0xaa")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	unlock()

	unlock2, err := second.Lock(ctx, "0xaa")
	require.NoError(t, err)
	unlock2()
}

func TestRedis_ExpiredLockIsNotReleasedByFormerHolder(t *testing.T) {
	ctx := context.Background()
	client, err := NewRedisClient(ctx, startRedis(t), "", 0, 4)
	require.NoError(t, err)
	defer client.Close()

	short := NewRedis(client, 100*time.Millisecond, logger.NewNop())
	unlockStale, err := short.Lock(ctx, "0xaa")
	require.NoError(t, err)
	time.Sleep(200 * time.Millisecond)

	holder := NewRedis(client, time.Minute, logger.NewNop())
	unlock, err := holder.Lock(ctx, "0xaa")
	require.NoError(t, err)
	defer unlock()

	unlockStale()

	exists, err := client.Exists(ctx, keyPrefix+"0xaa").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)
}
