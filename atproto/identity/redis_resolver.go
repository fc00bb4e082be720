package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bluesky-social/atlogin/atproto/syntax"

	"github.com/go-redis/cache/v9"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"
)

// prefix string for all the Redis keys this cache uses
var redisResolverPrefix = "atlogin/ident/"

// Uses redis as a shared cache for identity resolution, with an in-process TinyLFU cache (provided by the redis cache library) for hot keys.
//
// Errors are cached as a "not found" flag plus message, so cached errors match [ErrHandleNotFound] or [ErrDIDNotFound] with errors.Is, and otherwise wrap the generic resolution-failed sentinels.
type RedisResolver struct {
	Inner  Resolver
	ErrTTL time.Duration
	HitTTL time.Duration
	Logger *slog.Logger

	cache *cache.Cache
	group singleflight.Group
}

type redisHandleEntry struct {
	Updated  time.Time
	DID      string
	NotFound bool
	ErrMsg   string
}

type redisDIDEntry struct {
	Updated  time.Time
	RawDoc   []byte
	NotFound bool
	ErrMsg   string
}

var _ Resolver = (*RedisResolver)(nil)

// Creates a new caching [Resolver] wrapper using an existing redis client.
//
// `hitTTL` and `errTTL` define how long successful and errored results should be cached (respectively). `lruSize` is the size of the in-process cache; 10000 is a reasonable default.
func NewRedisResolver(inner Resolver, rdb *redis.Client, hitTTL, errTTL time.Duration, lruSize int) *RedisResolver {
	return &RedisResolver{
		Inner:  inner,
		ErrTTL: errTTL,
		HitTTL: hitTTL,
		Logger: slog.Default().With("system", "identity-redis"),
		cache: cache.New(&cache.Options{
			Redis:      rdb,
			LocalCache: cache.NewTinyLFU(lruSize, hitTTL),
		}),
	}
}

// Parses a redis URL and checks the connection.
func ConnectRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("could not configure redis: %w", err)
	}
	rdb := redis.NewClient(opt)
	if _, err := rdb.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("could not connect to redis: %w", err)
	}
	return rdb, nil
}

func (r *RedisResolver) isStale(updated time.Time, failed bool) bool {
	return failed && time.Since(updated) > r.ErrTTL
}

func (e *redisHandleEntry) result() (syntax.DID, error) {
	if e.NotFound {
		return "", ErrHandleNotFound
	}
	if e.ErrMsg != "" {
		return "", fmt.Errorf("%w: %s", ErrHandleResolutionFailed, e.ErrMsg)
	}
	return syntax.ParseDID(e.DID)
}

func (e *redisDIDEntry) result() (*DIDDocument, error) {
	if e.NotFound {
		return nil, ErrDIDNotFound
	}
	if e.ErrMsg != "" {
		return nil, fmt.Errorf("%w: %s", ErrDIDResolutionFailed, e.ErrMsg)
	}
	var doc DIDDocument
	if err := json.Unmarshal(e.RawDoc, &doc); err != nil {
		return nil, fmt.Errorf("%w: cached DID document: %w", ErrDIDResolutionFailed, err)
	}
	return &doc, nil
}

func (r *RedisResolver) ResolveHandle(ctx context.Context, h syntax.Handle) (syntax.DID, error) {
	h = h.Normalize()
	if h.IsInvalidHandle() {
		return "", fmt.Errorf("can not resolve handle: %w", ErrInvalidHandle)
	}
	key := redisResolverPrefix + "handle/" + h.String()

	var entry redisHandleEntry
	err := r.cache.Get(ctx, key, &entry)
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		r.Logger.Warn("identity cache read failed", "cache", "handle", "err", err)
	}
	if err == nil && !r.isStale(entry.Updated, entry.NotFound || entry.ErrMsg != "") {
		cacheHits.WithLabelValues("redis", "handle").Inc()
		return entry.result()
	}
	cacheMisses.WithLabelValues("redis", "handle").Inc()

	v, err, shared := r.group.Do(key, func() (any, error) {
		did, err := r.Inner.ResolveHandle(ctx, h)
		e := redisHandleEntry{Updated: time.Now(), DID: did.String()}
		ttl := r.HitTTL
		if err != nil {
			ttl = r.ErrTTL
			if errors.Is(err, ErrHandleNotFound) {
				e.NotFound = true
			} else {
				e.ErrMsg = err.Error()
			}
		}
		if serr := r.cache.Set(&cache.Item{Ctx: ctx, Key: key, Value: e, TTL: ttl}); serr != nil {
			r.Logger.Error("identity cache write failed", "cache", "handle", "err", serr)
		}
		return did, err
	})
	if shared {
		requestsCoalesced.WithLabelValues("redis", "handle").Inc()
	}
	if err != nil {
		return "", err
	}
	return v.(syntax.DID), nil
}

func (r *RedisResolver) ResolveDID(ctx context.Context, did syntax.DID) (*DIDDocument, error) {
	key := redisResolverPrefix + "did/" + did.String()

	var entry redisDIDEntry
	err := r.cache.Get(ctx, key, &entry)
	if err != nil && !errors.Is(err, cache.ErrCacheMiss) {
		r.Logger.Warn("identity cache read failed", "cache", "did", "err", err)
	}
	if err == nil && !r.isStale(entry.Updated, entry.NotFound || entry.ErrMsg != "") {
		cacheHits.WithLabelValues("redis", "did").Inc()
		return entry.result()
	}
	cacheMisses.WithLabelValues("redis", "did").Inc()

	v, err, shared := r.group.Do(key, func() (any, error) {
		doc, err := r.Inner.ResolveDID(ctx, did)
		e := redisDIDEntry{Updated: time.Now()}
		ttl := r.HitTTL
		if err != nil {
			ttl = r.ErrTTL
			if errors.Is(err, ErrDIDNotFound) {
				e.NotFound = true
			} else {
				e.ErrMsg = err.Error()
			}
		} else {
			raw, merr := json.Marshal(doc)
			if merr != nil {
				return nil, fmt.Errorf("%w: encoding DID document: %w", ErrDIDResolutionFailed, merr)
			}
			e.RawDoc = raw
		}
		if serr := r.cache.Set(&cache.Item{Ctx: ctx, Key: key, Value: e, TTL: ttl}); serr != nil {
			r.Logger.Error("identity cache write failed", "cache", "did", "did", did, "err", serr)
		}
		return doc, err
	})
	if shared {
		requestsCoalesced.WithLabelValues("redis", "did").Inc()
	}
	if err != nil {
		return nil, err
	}
	return v.(*DIDDocument), nil
}

// Flushes any cached entry for the handle, both locally and in redis.
func (r *RedisResolver) PurgeHandle(ctx context.Context, h syntax.Handle) error {
	err := r.cache.Delete(ctx, redisResolverPrefix+"handle/"+h.Normalize().String())
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}

// Flushes any cached entry for the DID, both locally and in redis.
func (r *RedisResolver) PurgeDID(ctx context.Context, did syntax.DID) error {
	err := r.cache.Delete(ctx, redisResolverPrefix+"did/"+did.String())
	if errors.Is(err, cache.ErrCacheMiss) {
		return nil
	}
	return err
}
