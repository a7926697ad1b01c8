package cache

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestRedis(t *testing.T) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: "localhost:6379", DB: 15})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available for testing: %v", err)
	}
	client.FlushDB(ctx)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestLocalLimiter(t *testing.T) {
	l := NewLocalLimiter()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	l.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, _ := l.Allow(ctx, "u1:invoice", 3, time.Minute)
		assert.True(t, ok)
	}
	ok, _ := l.Allow(ctx, "u1:invoice", 3, time.Minute)
	assert.False(t, ok)

	ok, _ = l.Allow(ctx, "u2:invoice", 3, time.Minute)
	assert.True(t, ok, "keys are independent")

	now = now.Add(time.Minute)
	ok, _ = l.Allow(ctx, "u1:invoice", 3, time.Minute)
	assert.True(t, ok, "window rolls over")
}

func TestLocalLocker(t *testing.T) {
	l := NewLocalLocker()
	ctx := context.Background()

	release, err := l.Lock(ctx, "7:2", time.Second)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	_, err = l.Lock(short, "7:2", time.Second)
	assert.ErrorIs(t, err, ErrLockBusy)

	other, err := l.Lock(ctx, "7:3", time.Second)
	require.NoError(t, err)
	other()

	release()
	release()
	again, err := l.Lock(ctx, "7:2", time.Second)
	require.NoError(t, err)
	again()
}

func TestLocalLocker_Serializes(t *testing.T) {
	l := NewLocalLocker()
	var (
		wg      sync.WaitGroup
		inside  int
		maxSeen int
		mu      sync.Mutex
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := l.Lock(context.Background(), "k", time.Second)
			if !assert.NoError(t, err) {
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			release()
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
}

func TestRedisService_Allow(t *testing.T) {
	s := NewRedisServiceFromClient(setupTestRedis(t))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		ok, err := s.Allow(ctx, "42:deposit", 2, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := s.Allow(ctx, "42:deposit", 2, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRedisService_Lock(t *testing.T) {
	s := NewRedisServiceFromClient(setupTestRedis(t))
	ctx := context.Background()

	release, err := s.Lock(ctx, "provision:1:2", 5*time.Second)
	require.NoError(t, err)

	short, cancel := context.WithTimeout(ctx, 150*time.Millisecond)
	defer cancel()
	_, err = s.Lock(short, "provision:1:2", 5*time.Second)
	assert.ErrorIs(t, err, ErrLockBusy)

	release()
	again, err := s.Lock(ctx, "provision:1:2", 5*time.Second)
	require.NoError(t, err)
	again()
}
