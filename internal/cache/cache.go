// Package cache is an optional, purely performance-motivated
// accelerator in front of the Loader's own GetCompletedFileHashes
// query: a Redis set refreshed on a short TTL. Correctness never
// depends on it -- a cache miss or a Redis outage always falls back to
// the loader, never to a stale or empty result standing in for
// "nothing is completed."
package cache

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

const completedHashesKey = "py-load-eudravigilance:completed-file-hashes"

// HashChecker mirrors orchestrator.HashChecker so CompletedHashCache can
// be plugged in as the orchestrator's Cache field without an import
// cycle back into internal/orchestrator.
type HashChecker interface {
	GetCompletedFileHashes(ctx context.Context) (map[string]bool, error)
}

// CompletedHashCache wraps a HashChecker (in practice the active
// Loader) with a short-TTL Redis set, refreshed lazily on the first
// call after expiry.
type CompletedHashCache struct {
	client *redis.Client
	source HashChecker
	ttl    time.Duration
	log    *zap.Logger
}

// New builds a CompletedHashCache addressed at addr, backed by source
// for refills. ttl of zero defaults to 30 seconds.
func New(addr string, source HashChecker, ttl time.Duration, log *zap.Logger) *CompletedHashCache {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &CompletedHashCache{
		client: redis.NewClient(&redis.Options{Addr: addr}),
		source: source,
		ttl:    ttl,
		log:    log,
	}
}

// Close releases the underlying Redis connection.
func (c *CompletedHashCache) Close() error {
	return c.client.Close()
}

// GetCompletedFileHashes returns the cached set if present, refilling
// it from source on a miss. Any Redis error -- connection refused,
// timeout, whatever -- is treated as a miss and answered straight from
// source, never surfaced to the caller as a failure.
func (c *CompletedHashCache) GetCompletedFileHashes(ctx context.Context) (map[string]bool, error) {
	members, err := c.client.SMembers(ctx, completedHashesKey).Result()
	if err == nil && len(members) > 0 {
		hashes := make(map[string]bool, len(members))
		for _, m := range members {
			hashes[m] = true
		}
		return hashes, nil
	}
	if err != nil && err != redis.Nil {
		c.log.Warn("cache: SMEMBERS failed, falling back to source", zap.Error(err))
	}

	hashes, err := c.source.GetCompletedFileHashes(ctx)
	if err != nil {
		return nil, err
	}

	c.refill(ctx, hashes)
	return hashes, nil
}

// refill repopulates the Redis set from a fresh source read. Failures
// here are logged and otherwise ignored: the cache is an accelerator,
// not a source of truth, so a failed refill just means the next call
// falls back to source again.
func (c *CompletedHashCache) refill(ctx context.Context, hashes map[string]bool) {
	if len(hashes) == 0 {
		return
	}
	members := make([]interface{}, 0, len(hashes))
	for h := range hashes {
		members = append(members, h)
	}

	pipe := c.client.TxPipeline()
	pipe.Del(ctx, completedHashesKey)
	pipe.SAdd(ctx, completedHashesKey, members...)
	pipe.Expire(ctx, completedHashesKey, c.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		c.log.Warn("cache: refill failed", zap.Error(err))
	}
}
