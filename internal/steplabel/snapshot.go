package steplabel

import (
	"context"
	"time"

	"github.com/nmxmxh/inhalteselektor/pkg/redis"
)

// Snapshot persists the label map between restarts.
type Snapshot interface {
	LoadLabels(ctx context.Context) (map[string]string, error)
	SaveLabels(ctx context.Context, labels map[string]string) error
}

const snapshotEntity = "snapshot"

// RedisSnapshot stores the map as one JSON value per label language.
type RedisSnapshot struct {
	cache *redis.Cache
	lang  string
	ttl   time.Duration
}

func NewRedisSnapshot(cache *redis.Cache, lang string, ttl time.Duration) *RedisSnapshot {
	if lang == "" {
		lang = "de"
	}
	return &RedisSnapshot{cache: cache, lang: lang, ttl: ttl}
}

func (s *RedisSnapshot) LoadLabels(ctx context.Context) (map[string]string, error) {
	var labels map[string]string
	if _, err := s.cache.Get(ctx, snapshotEntity, s.lang, &labels); err != nil {
		return nil, err
	}
	return labels, nil
}

func (s *RedisSnapshot) SaveLabels(ctx context.Context, labels map[string]string) error {
	return s.cache.Set(ctx, snapshotEntity, s.lang, labels, s.ttl)
}
