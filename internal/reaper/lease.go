package reaper

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// Lease keeps concurrent replicas from sweeping at the same moment. Sweeps
// are safe to overlap, so losing the lease only skips work.
type Lease interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// RedisLease is a single Redis key owned by whoever set it first.
type RedisLease struct {
	client *redis.Client
	key    string
	owner  string
	ttl    time.Duration
}

func NewRedisLease(client *redis.Client, key string, ttl time.Duration) *RedisLease {
	return &RedisLease{
		client: client,
		key:    key,
		owner:  uuid.NewString(),
		ttl:    ttl,
	}
}

func (l *RedisLease) Owner() string {
	return l.owner
}

// Acquire takes the lease, or refreshes it when this instance already holds it.
func (l *RedisLease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, err
	}
	if ok {
		return true, nil
	}

	val, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		// Expired between the two calls; the next tick will get it.
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if val != l.owner {
		return false, nil
	}
	return true, l.client.Expire(ctx, l.key, l.ttl).Err()
}

// Release drops the lease if this instance still owns it.
func (l *RedisLease) Release(ctx context.Context) error {
	val, err := l.client.Get(ctx, l.key).Result()
	if err == redis.Nil {
		return nil
	}
	if err != nil {
		return err
	}
	if val != l.owner {
		return nil
	}
	return l.client.Del(ctx, l.key).Err()
}
