package delay

import (
	"context"
	"strconv"
	"time"

	"github.com/eko/gocache/lib/v4/cache"
	"github.com/eko/gocache/lib/v4/store"
	redisstore "github.com/eko/gocache/store/redis/v4"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const cacheKeyPrefix = "gatewatch:delay:"

// Cached keeps successful lookups of src in Redis for ttl, so several
// gatewatch instances share one upstream quota.
type Cached struct {
	src   Source
	cache *cache.Cache[string]
}

func NewCached(src Source, client *redis.Client, ttl time.Duration) *Cached {
	redisStore := redisstore.NewRedis(client, store.WithExpiration(ttl))
	return &Cached{src: src, cache: cache.New[string](redisStore)}
}

func (c *Cached) Delay(ctx context.Context, trainNumber string) (int, error) {
	key := cacheKeyPrefix + trainNumber
	if v, err := c.cache.Get(ctx, key); err == nil {
		if n, err := strconv.Atoi(v); err == nil {
			return n, nil
		}
	}

	n, err := c.src.Delay(ctx, trainNumber)
	if err != nil {
		return 0, err
	}
	if err := c.cache.Set(ctx, key, strconv.Itoa(n)); err != nil {
		log.Debug().Err(err).Str("train", trainNumber).Msg("delay cache write failed")
	}
	return n, nil
}
