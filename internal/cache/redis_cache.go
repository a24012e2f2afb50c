package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	"retailpos/internal/domain"
)

const keyPrefix = "pos:payment-status:"

type RedisPaymentStatusCache struct {
	client *redis.Client
}

func NewRedisPaymentStatusCache(addr string, password string, db int) *RedisPaymentStatusCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisPaymentStatusCache{client: client}
}

func (c *RedisPaymentStatusCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisPaymentStatusCache) Close() error {
	return c.client.Close()
}

func (c *RedisPaymentStatusCache) Get(ctx context.Context, reference string) (*domain.PaymentStatusResponse, bool, error) {
	val, err := c.client.Get(ctx, keyPrefix+reference).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var resp domain.PaymentStatusResponse
	if err := json.Unmarshal([]byte(val), &resp); err != nil {
		return nil, false, err
	}
	return &resp, true, nil
}

func (c *RedisPaymentStatusCache) Set(ctx context.Context, reference string, value *domain.PaymentStatusResponse, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, keyPrefix+reference, payload, ttl).Err()
}

func (c *RedisPaymentStatusCache) Delete(ctx context.Context, reference string) error {
	return c.client.Del(ctx, keyPrefix+reference).Err()
}
