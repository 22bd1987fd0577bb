package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/nmxmxh/inhalteselektor/pkg/json"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Cache stores JSON values under keys built by a KeyBuilder.
type Cache struct {
	client *Client
	kb     *KeyBuilder
	log    *zap.Logger
}

func NewCache(client *Client, namespace, context string) *Cache {
	return &Cache{
		client: client,
		kb:     NewKeyBuilder(namespace, context),
		log:    client.log.With(zap.String("module", "cache")),
	}
}

// Set stores value with the given TTL. Zero keeps it forever.
func (c *Cache) Set(ctx context.Context, entity, attribute string, value interface{}, ttl time.Duration) error {
	key := c.kb.Build(entity, attribute)
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	if err := c.client.Set(ctx, key, data, ttl).Err(); err != nil {
		c.log.Error("failed to set cache",
			zap.String("key", key),
			zap.Error(err),
		)
		return fmt.Errorf("failed to set cache: %w", err)
	}

	return nil
}

// Get decodes the stored value into value. found is false on a cache miss.
func (c *Cache) Get(ctx context.Context, entity, attribute string, value interface{}) (found bool, err error) {
	key := c.kb.Build(entity, attribute)
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		c.log.Error("failed to get cache",
			zap.String("key", key),
			zap.Error(err),
		)
		return false, fmt.Errorf("failed to get cache: %w", err)
	}

	if err := json.Unmarshal(data, value); err != nil {
		return false, fmt.Errorf("failed to unmarshal value: %w", err)
	}

	return true, nil
}

func (c *Cache) Delete(ctx context.Context, entity, attribute string) error {
	key := c.kb.Build(entity, attribute)
	if err := c.client.Del(ctx, key).Err(); err != nil {
		c.log.Error("failed to delete cache",
			zap.String("key", key),
			zap.Error(err),
		)
		return fmt.Errorf("failed to delete cache: %w", err)
	}

	return nil
}
