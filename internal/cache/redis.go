// Package cache реализует ограничение частоты запросов и короткие блокировки поверх Redis.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var ErrLockBusy = errors.New("lock is held by another request")

// Limiter: окно фиксированной длины: не больше limit событий на ключ за window
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error)
}

// Locker выдаёт эксклюзивную блокировку по ключу; release идемпотентен
type Locker interface {
	Lock(ctx context.Context, key string, ttl time.Duration) (release func(), err error)
}

type RedisService struct {
	client *redis.Client
}

func NewRedisService(addr, password string, db int) (*RedisService, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %v", err)
	}
	return &RedisService{client: client}, nil
}

// NewRedisServiceFromClient: для тестов и общего клиента
func NewRedisServiceFromClient(client *redis.Client) *RedisService {
	return &RedisService{client: client}
}

func (s *RedisService) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *RedisService) Close() error {
	return s.client.Close()
}

func (s *RedisService) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	k := "ratelimit:" + key

	count, err := s.client.Incr(ctx, k).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check rate limit: %v", err)
	}
	if count == 1 {
		s.client.Expire(ctx, k, window)
	}
	return count <= int64(limit), nil
}

// снимаем блокировку, только если она всё ещё наша
var releaseLockScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

const lockRetryDelay = 50 * time.Millisecond

// Lock ждёт освобождения ключа, пока не истечёт ctx
func (s *RedisService) Lock(ctx context.Context, key string, ttl time.Duration) (func(), error) {
	k := "lock:" + key
	token := uuid.NewString()
	for {
		ok, err := s.client.SetNX(ctx, k, token, ttl).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("%w: %s", ErrLockBusy, key)
			}
			return nil, fmt.Errorf("failed to acquire lock %s: %v", key, err)
		}
		if ok {
			break
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %s", ErrLockBusy, key)
		case <-time.After(lockRetryDelay):
		}
	}
	released := false
	return func() {
		if released {
			return
		}
		released = true
		releaseLockScript.Run(context.Background(), s.client, []string{k}, token)
	}, nil
}
