package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ms-booking/internal/models"

	"github.com/go-redis/redis/v8"
)

// AvailabilityCache stores display-only availability snapshots. Nothing that
// decides whether seats can be held reads from it.
type AvailabilityCache interface {
	Get(ctx context.Context, flightID int64, cabin models.CabinClass) (Availability, bool, error)
	Set(ctx context.Context, a Availability) error
	Invalidate(ctx context.Context, flightID int64, cabin models.CabinClass) error
}

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	return &RedisCache{client: client, ttl: ttl}
}

func availabilityKey(flightID int64, cabin models.CabinClass) string {
	return fmt.Sprintf("availability:%d:%s", flightID, cabin)
}

func (c *RedisCache) Get(ctx context.Context, flightID int64, cabin models.CabinClass) (Availability, bool, error) {
	raw, err := c.client.Get(ctx, availabilityKey(flightID, cabin)).Bytes()
	if err == redis.Nil {
		return Availability{}, false, nil
	}
	if err != nil {
		return Availability{}, false, err
	}

	var a Availability
	if err := json.Unmarshal(raw, &a); err != nil {
		// A garbled entry is treated as a miss and overwritten on the next Set.
		return Availability{}, false, nil
	}
	return a, true, nil
}

// Set stores a snapshot for the configured TTL, cut short at the snapshot's
// next hold expiry.
func (c *RedisCache) Set(ctx context.Context, a Availability) error {
	ttl := c.ttl
	if a.NextExpiry != nil {
		if until := a.NextExpiry.Sub(a.AsOf); until < ttl {
			ttl = until
		}
	}
	if ttl <= 0 {
		return nil
	}

	raw, err := json.Marshal(a)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, availabilityKey(a.FlightID, a.CabinClass), raw, ttl).Err()
}

func (c *RedisCache) Invalidate(ctx context.Context, flightID int64, cabin models.CabinClass) error {
	return c.client.Del(ctx, availabilityKey(flightID, cabin)).Err()
}
