package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"community-sync/models"
	"community-sync/utils"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// RedisLocker holds one redis lock per dataset so that replicas behind the
// same scheduler never run the same import twice
type RedisLocker struct {
	client *redis.Client
	locker *redislock.Client
	ttl    time.Duration
	logger *utils.Logger
}

// NewRedisLocker connects to redis at addr and verifies it answers PING
func NewRedisLocker(ctx context.Context, addr string, ttl time.Duration, logger *utils.Logger) (*RedisLocker, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", addr, err)
	}
	logger.Info("Connected to Redis at %s", addr)
	return &RedisLocker{client: rdb, locker: redislock.New(rdb), ttl: ttl, logger: logger}, nil
}

func lockKey(dataset models.Dataset) string {
	return fmt.Sprintf("lock:etl:%s", dataset)
}

func (l *RedisLocker) Acquire(ctx context.Context, dataset models.Dataset) (func(), error) {
	lock, err := l.locker.Obtain(ctx, lockKey(dataset), l.ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrRunInProgress
	} else if err != nil {
		return nil, fmt.Errorf("failed to obtain lock for %s: %w", dataset, err)
	}
	return func() {
		// the run context may already be done; release on a fresh one
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := lock.Release(releaseCtx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			l.logger.Warn("failed to release lock for %s: %v", dataset, err)
		}
	}, nil
}

// Close closes the redis client
func (l *RedisLocker) Close() {
	_ = l.client.Close()
}

// LocalLocker serializes runs within a single process
type LocalLocker struct {
	mu      sync.Mutex
	running map[models.Dataset]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{running: make(map[models.Dataset]bool)}
}

func (l *LocalLocker) Acquire(_ context.Context, dataset models.Dataset) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.running[dataset] {
		return nil, ErrRunInProgress
	}
	l.running[dataset] = true
	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Lock()
			delete(l.running, dataset)
			l.mu.Unlock()
		})
	}, nil
}
