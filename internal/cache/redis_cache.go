package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"labelpos/backend/internal/cart"
	"labelpos/backend/internal/domain"
)

func NewRedisClient(addr string, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

type RedisCatalogCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCatalogCache(client *redis.Client) *RedisCatalogCache {
	return &RedisCatalogCache{client: client, prefix: "labelpos:catalog:"}
}

func (c *RedisCatalogCache) Get(ctx context.Context, key string) (*domain.CatalogItem, bool, error) {
	val, err := c.client.Get(ctx, c.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var item domain.CatalogItem
	if err := json.Unmarshal([]byte(val), &item); err != nil {
		return nil, false, err
	}
	return &item, true, nil
}

func (c *RedisCatalogCache) Set(ctx context.Context, key string, value *domain.CatalogItem, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.prefix+key, payload, ttl).Err()
}

// RedisCartStore keeps carts in Redis so any API instance can serve a terminal.
type RedisCartStore struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

func NewRedisCartStore(client *redis.Client, ttl time.Duration) *RedisCartStore {
	return &RedisCartStore{client: client, ttl: ttl, prefix: "labelpos:cart:"}
}

func (s *RedisCartStore) Load(ctx context.Context, id string) (cart.Snapshot, error) {
	val, err := s.client.Get(ctx, s.prefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return cart.Snapshot{}, fmt.Errorf("cart %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return cart.Snapshot{}, err
	}

	var snapshot cart.Snapshot
	if err := json.Unmarshal(val, &snapshot); err != nil {
		return cart.Snapshot{}, fmt.Errorf("decode cart %s: %w", id, err)
	}
	return snapshot, nil
}

func (s *RedisCartStore) Save(ctx context.Context, snapshot cart.Snapshot) error {
	payload, err := json.Marshal(snapshot)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.prefix+snapshot.ID, payload, s.ttl).Err()
}

func (s *RedisCartStore) Delete(ctx context.Context, id string) error {
	return s.client.Del(ctx, s.prefix+id).Err()
}
