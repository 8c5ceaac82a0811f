// Package cache stores upstream responses in Redis so repeated lookups for the
// same collection do not spend provider quota.
//
// Collection metadata is read on every run and every resume of a job, while it
// practically never changes. The provider caches the raw metadata response
// here and honors the Expires header of the upstream when present.
//
// # Basic Usage
//
//	redisClient := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	manager := cache.NewManager(redisClient)
//
//	key := cache.Key{Namespace: "metadata", Collection: "0xBC4C..."}
//
//	entry, err := manager.Get(ctx, key)
//	if errors.Is(err, cache.ErrCacheMiss) {
//		// fetch upstream, then:
//		entry, _ = cache.EntryFromResponse(resp, cache.DefaultTTL)
//		_ = manager.Set(ctx, key, entry)
//	}
//
// # Metrics
//
//   - archiver_cache_hits_total{namespace}
//   - archiver_cache_misses_total{namespace}
//   - archiver_cache_errors_total{operation}
package cache
