package contacts

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheNamespace = "wallet"

var errCacheMiss = errors.New("contacts: cache miss")

// Cache holds email -> wallet hex strings.
type Cache interface {
	Get(ctx context.Context, email string) (string, error)
	Set(ctx context.Context, email, wallet string, ttl time.Duration) error
	Delete(ctx context.Context, email string) error
}

// RedisCache stores wallet lookups in Redis under "wallet:<email>".
type RedisCache struct {
	client redis.UniversalClient
}

func NewRedisCache(addrs []string, password string) *RedisCache {
	var rdb redis.UniversalClient
	if len(addrs) > 1 {
		rdb = redis.NewClusterClient(&redis.ClusterOptions{
			Addrs:    addrs,
			Password: password,
		})
	} else {
		rdb = redis.NewClient(&redis.Options{
			Addr:     addrs[0],
			Password: password,
			DB:       0,
		})
	}
	return &RedisCache{client: rdb}
}

func (c *RedisCache) Get(ctx context.Context, email string) (string, error) {
	v, err := c.client.Get(ctx, cacheNamespace+":"+email).Result()
	if errors.Is(err, redis.Nil) {
		return "", errCacheMiss
	}
	return v, err
}

func (c *RedisCache) Set(ctx context.Context, email, wallet string, ttl time.Duration) error {
	return c.client.Set(ctx, cacheNamespace+":"+email, wallet, ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, email string) error {
	return c.client.Del(ctx, cacheNamespace+":"+email).Err()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

// CachedStore is a read-through cache in front of a Store. Cache failures
// degrade to the backing store and are only logged.
type CachedStore struct {
	next   Store
	cache  Cache
	ttl    time.Duration
	logger *zap.Logger
}

func NewCachedStore(next Store, cache Cache, ttl time.Duration, logger *zap.Logger) *CachedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedStore{next: next, cache: cache, ttl: ttl, logger: logger}
}

func (c *CachedStore) Upsert(ctx context.Context, email string, wallet common.Address) (Link, error) {
	l, err := c.next.Upsert(ctx, email, wallet)
	if err != nil {
		return Link{}, err
	}
	if err := c.cache.Delete(ctx, l.Email); err != nil {
		c.logger.Warn("wallet cache invalidate failed", zap.String("email", l.Email), zap.Error(err))
	}
	return l, nil
}

// Get serves from cache when possible. Cached entries only carry the
// wallet address; timestamps are left zero.
func (c *CachedStore) Get(ctx context.Context, email string) (Link, error) {
	email, err := NormalizeEmail(email)
	if err != nil {
		return Link{}, err
	}

	v, err := c.cache.Get(ctx, email)
	switch {
	case err == nil && common.IsHexAddress(v):
		return Link{Email: email, WalletAddress: common.HexToAddress(v)}, nil
	case err != nil && !errors.Is(err, errCacheMiss):
		c.logger.Warn("wallet cache read failed", zap.String("email", email), zap.Error(err))
	}

	l, err := c.next.Get(ctx, email)
	if err != nil {
		return Link{}, err
	}
	if err := c.cache.Set(ctx, email, l.WalletAddress.Hex(), c.ttl); err != nil {
		c.logger.Warn("wallet cache write failed", zap.String("email", email), zap.Error(err))
	}
	return l, nil
}
