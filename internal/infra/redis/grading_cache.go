package redis

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog"

	"grading-orchestrator/internal/domain/model"
	"grading-orchestrator/internal/domain/ports/repository"
	"grading-orchestrator/internal/infra/metrics"
)

var _ repository.CacheStore = (*GradingCache)(nil)

const (
	cacheKeyPrefix = "grading_cache:"
	cacheStatsKey  = "grading_cache_stats"
	defaultTTL     = 7 * 24 * time.Hour
)

// luaLookup reads an entry and counts the hit or miss in the same round trip.
var luaLookup = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if v then
	redis.call("HINCRBY", KEYS[2], "hits", 1)
else
	redis.call("HINCRBY", KEYS[2], "misses", 1)
end
return v`)

// GradingCache stores grading results under the content hash of the
// normalized text. Backend failures are logged and reported as misses.
type GradingCache struct {
	cli *redis.Client
	now func() time.Time
	log *zerolog.Logger
}

func NewGradingCache(c *Client, logger *zerolog.Logger) *GradingCache {
	l := logger.With().Str("component", "grading_cache").Str("backend", "redis").Logger()
	return &GradingCache{cli: c.cli, now: time.Now, log: &l}
}

func (c *GradingCache) Lookup(ctx context.Context, text string) (*model.CacheEntry, bool) {
	hash := model.ContentHash(text)
	raw, err := luaLookup.Run(ctx, c.cli, []string{cacheKeyPrefix + hash, cacheStatsKey}).Text()
	if errors.Is(err, redis.Nil) {
		metrics.IncCacheRequest("redis", "miss")
		return nil, false
	}
	if err != nil {
		metrics.IncCacheRequest("redis", "error")
		c.log.Warn().Err(err).Str("hash", hash).Msg("cache lookup failed; treating as miss")
		return nil, false
	}

	var e model.CacheEntry
	if err := json.Unmarshal([]byte(raw), &e); err != nil {
		metrics.IncCacheRequest("redis", "error")
		c.log.Warn().Err(err).Str("hash", hash).Msg("corrupt cache entry dropped")
		_ = c.cli.Del(ctx, cacheKeyPrefix+hash).Err()
		return nil, false
	}
	if e.Expired(c.now()) {
		metrics.IncCacheRequest("redis", "miss")
		return nil, false
	}
	metrics.IncCacheRequest("redis", "hit")
	return &e, true
}

func (c *GradingCache) Store(ctx context.Context, text string, result model.GradingResult, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	hash := model.ContentHash(text)
	data, err := json.Marshal(model.CacheEntry{Hash: hash, Result: result, CreatedAt: c.now(), TTL: ttl})
	if err != nil {
		metrics.IncCacheWrite("redis", "error")
		return err
	}
	if err := c.cli.Set(ctx, cacheKeyPrefix+hash, data, ttl).Err(); err != nil {
		metrics.IncCacheWrite("redis", "error")
		return err
	}
	metrics.IncCacheWrite("redis", "ok")
	return nil
}

func (c *GradingCache) Stats(ctx context.Context) (model.CacheStats, error) {
	counts, err := c.cli.HMGet(ctx, cacheStatsKey, "hits", "misses").Result()
	if err != nil {
		return model.CacheStats{}, err
	}
	n, err := c.count(ctx, cacheKeyPrefix+"*")
	if err != nil {
		return model.CacheStats{}, err
	}
	return model.NewCacheStats(toInt64(counts[0]), toInt64(counts[1]), n), nil
}

// Clear deletes the entries whose hash matches pattern; keys outside the
// cache namespace are never touched.
func (c *GradingCache) Clear(ctx context.Context, pattern string) (int, error) {
	if pattern == "" {
		pattern = "*"
	}
	removed := 0
	iter := c.cli.Scan(ctx, 0, cacheKeyPrefix+pattern, 500).Iterator()
	batch := make([]string, 0, 500)
	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		n, err := c.cli.Del(ctx, batch...).Result()
		removed += int(n)
		batch = batch[:0]
		return err
	}
	for iter.Next(ctx) {
		batch = append(batch, iter.Val())
		if len(batch) == cap(batch) {
			if err := flush(); err != nil {
				return removed, err
			}
		}
	}
	if err := iter.Err(); err != nil {
		return removed, err
	}
	if err := flush(); err != nil {
		return removed, err
	}
	c.log.Info().Str("pattern", pattern).Int("removed", removed).Msg("cache entries cleared")
	return removed, nil
}

func (c *GradingCache) count(ctx context.Context, match string) (int64, error) {
	var n int64
	iter := c.cli.Scan(ctx, 0, match, 1000).Iterator()
	for iter.Next(ctx) {
		n++
	}
	return n, iter.Err()
}

func toInt64(v interface{}) int64 {
	switch t := v.(type) {
	case string:
		n, _ := strconv.ParseInt(t, 10, 64)
		return n
	case int64:
		return t
	}
	return 0
}
