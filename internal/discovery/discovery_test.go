package discovery

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) string {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	return fmt.Sprintf("redis://%s", mr.Addr())
}

func TestWorkerRegistrar_RegisterMakesItDiscoverable(t *testing.T) {
	redisURL := newTestRedis(t)

	registrar, err := NewWorkerRegistrar(redisURL, "worker-1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, registrar.Register(ctx, "10.0.0.5", 8080, 2))

	pool, err := NewWorkerPool(redisURL)
	require.NoError(t, err)

	workers, err := pool.Workers(ctx)
	require.NoError(t, err)
	require.Len(t, workers, 1)
	assert.Equal(t, "worker-1", workers[0].ID)
	assert.Equal(t, "http://10.0.0.5:8080", AddressOf(workers[0]))
}

func TestWorkerPool_WaitForAny_ReturnsOnceRegistered(t *testing.T) {
	redisURL := newTestRedis(t)

	pool, err := NewWorkerPool(redisURL)
	require.NoError(t, err)

	registrar, err := NewWorkerRegistrar(redisURL, "worker-2")
	require.NoError(t, err)

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = registrar.Register(context.Background(), "10.0.0.6", 9090, 1)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := pool.WaitForAny(ctx)
	require.NoError(t, err)
	assert.Equal(t, "worker-2", info.ID)
}

func TestWorkerPool_Workers_EmptyWhenNoneRegistered(t *testing.T) {
	redisURL := newTestRedis(t)

	pool, err := NewWorkerPool(redisURL)
	require.NoError(t, err)

	workers, err := pool.Workers(context.Background())
	require.NoError(t, err)
	assert.Empty(t, workers)
}
