package enrich

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// CachedProvider decorates an IntelligenceProvider with a Redis lookaside
// cache. Cache failures fall through to the inner provider; only inner
// provider errors propagate.
type CachedProvider struct {
	inner IntelligenceProvider
	redis *redis.Client
	ttl   time.Duration
}

// NewCachedProvider wraps a provider with Redis caching.
func NewCachedProvider(inner IntelligenceProvider, redisClient *redis.Client, ttl time.Duration) *CachedProvider {
	return &CachedProvider{
		inner: inner,
		redis: redisClient,
		ttl:   ttl,
	}
}

// Name identifies the provider in logs and metrics.
func (p *CachedProvider) Name() string {
	return p.inner.Name()
}

// Lookup serves from cache when possible, otherwise queries the inner
// provider and stores the result. no_data results are cached too; absence
// of intel is still an answer worth remembering.
func (p *CachedProvider) Lookup(ctx context.Context, entityType, entityID string) (ReputationResult, error) {
	key := p.cacheKey(entityType, entityID)

	if data, err := p.redis.Get(ctx, key).Result(); err == nil {
		var cached ReputationResult
		if err := json.Unmarshal([]byte(data), &cached); err == nil {
			return cached, nil
		}
	} else if !errors.Is(err, redis.Nil) && ctx.Err() != nil {
		// Deadline spent on the cache; don't also hit the provider.
		return ReputationResult{}, ctx.Err()
	}

	result, err := p.inner.Lookup(ctx, entityType, entityID)
	if err != nil {
		return ReputationResult{}, err
	}

	if data, err := json.Marshal(result); err == nil {
		_ = p.redis.Set(ctx, key, data, p.ttl).Err()
	}
	return result, nil
}

func (p *CachedProvider) cacheKey(entityType, entityID string) string {
	return fmt.Sprintf("intel:%s:%s", entityType, entityID)
}
