package lock

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_Exclusive(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	release, err := l.Acquire(ctx, "merchant:m1", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "merchant:m1", time.Minute)
	assert.ErrorIs(t, err, ErrHeld)

	_, err = l.Acquire(ctx, "merchant:m2", time.Minute)
	assert.NoError(t, err, "different keys are independent")

	release()
	release()
	_, err = l.Acquire(ctx, "merchant:m1", time.Minute)
	assert.NoError(t, err)
}

func TestLocal_Expires(t *testing.T) {
	l := NewLocal()
	at := time.Now()
	l.now = func() time.Time { return at }

	stale, err := l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	at = at.Add(2 * time.Second)
	_, err = l.Acquire(context.Background(), "k", time.Second)
	require.NoError(t, err)

	stale()
	_, err = l.Acquire(context.Background(), "k", time.Second)
	assert.ErrorIs(t, err, ErrHeld, "an expired holder must not release the new lease")
}

func TestLocal_ConcurrentSingleWinner(t *testing.T) {
	l := NewLocal()
	var wins int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := l.Acquire(context.Background(), "k", time.Minute); err == nil {
				atomic.AddInt32(&wins, 1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), wins)
}

func TestRedis_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	url := os.Getenv("REDIS_URL")
	if url == "" {
		t.Skip("REDIS_URL not set")
	}
	opt, err := redis.ParseURL(url)
	require.NoError(t, err)
	rdb := redis.NewClient(opt)
	defer rdb.Close()
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}

	l := NewRedis(rdb, "test:lease:")
	release, err := l.Acquire(context.Background(), "m1", 5*time.Second)
	require.NoError(t, err)
	_, err = l.Acquire(context.Background(), "m1", 5*time.Second)
	assert.ErrorIs(t, err, ErrHeld)
	release()
	release2, err := l.Acquire(context.Background(), "m1", 5*time.Second)
	require.NoError(t, err)
	release2()
}
