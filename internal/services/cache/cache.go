// Package cache implements the Recommendation Cache: a fingerprinted,
// single-flight cache over an external similarity computation, with
// TTL expiry and bounded LRU/byte-budget eviction.
package cache

import (
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/sync/singleflight"

	"github.com/bobmcallan/loraforge/internal/common"
	"github.com/bobmcallan/loraforge/internal/interfaces"
	"github.com/bobmcallan/loraforge/internal/models"
)

const (
	defaultTTL        = 10 * time.Minute
	defaultMaxEntries = 1024
	defaultMaxBytes   = 64 * 1024 * 1024
)

// ComputeFunc produces a RecommendationResult for a given request. It
// is called at most once per fingerprint at any instant.
type ComputeFunc func(ctx context.Context, req models.RecommendationRequest) (models.RecommendationResult, error)

type entry struct {
	value     models.RecommendationResult
	builtAt   time.Time
	sizeBytes int64
}

// Cache is the Recommendation Cache.
type Cache struct {
	mu      sync.Mutex
	entries *lru.Cache[string, *entry]
	group   singleflight.Group

	ttl          time.Duration
	maxEntries   int
	maxBytes     int64
	currentBytes int64

	logger *common.Logger
}

// NewCache constructs a Recommendation Cache. Zero values for ttl,
// maxEntries, or maxBytes fall back to sensible defaults.
func NewCache(logger *common.Logger, ttl time.Duration, maxEntries int, maxBytes int64) *Cache {
	if ttl <= 0 {
		ttl = defaultTTL
	}
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}

	c := &Cache{
		ttl:        ttl,
		maxEntries: maxEntries,
		maxBytes:   maxBytes,
		logger:     logger,
	}

	// onEvict fires for capacity-driven evictions and for Remove/
	// RemoveOldest calls (including those from Invalidate and the byte
	// budget loop in store), so currentBytes stays in sync regardless of
	// eviction cause.
	store, err := lru.NewWithEvict(maxEntries, func(key string, e *entry) {
		c.currentBytes -= e.sizeBytes
	})
	if err != nil {
		// Only returns an error for size <= 0, which defaultMaxEntries
		// and the guard above both rule out.
		panic(err)
	}
	c.entries = store
	return c
}

// GetOrBuild returns the cached value for req.Fingerprint(), building
// it via compute if absent or expired. Concurrent callers for the same
// fingerprint all observe the same single compute() call.
func (c *Cache) GetOrBuild(ctx context.Context, req models.RecommendationRequest, compute ComputeFunc) (models.RecommendationResult, error) {
	fp := req.Fingerprint()

	c.mu.Lock()
	if e, ok := c.entries.Get(fp); ok && time.Since(e.builtAt) < c.ttl {
		c.mu.Unlock()
		return e.value, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(fp, func() (any, error) {
		// Re-check: another caller's build may have landed while we
		// were queued behind the singleflight group's internal lock.
		c.mu.Lock()
		if e, ok := c.entries.Get(fp); ok && time.Since(e.builtAt) < c.ttl {
			c.mu.Unlock()
			return e.value, nil
		}
		c.mu.Unlock()

		result, err := compute(ctx, req)
		if err != nil {
			return models.RecommendationResult{}, err
		}
		c.store(fp, result)
		return result, nil
	})
	if err != nil {
		return models.RecommendationResult{}, err
	}
	return v.(models.RecommendationResult), nil
}

// GetOrBuildWithRationale wraps GetOrBuild, additionally attaching a
// natural-language rationale string to freshly built (or rationale-less
// cached) entries. promptOrTarget and nameByAdapterID let the caller
// supply the context the rationalizer needs without the cache knowing
// about adapter names itself. Rationale generation failures are
// swallowed: the recommendation itself still succeeds with an empty
// rationale.
func (c *Cache) GetOrBuildWithRationale(ctx context.Context, req models.RecommendationRequest, compute ComputeFunc, rationalizer interfaces.RationaleClient, promptOrTarget string, nameByAdapterID func(adapterID string) string) (models.RecommendationResult, error) {
	result, err := c.GetOrBuild(ctx, req, compute)
	if err != nil {
		return result, err
	}
	if result.Rationale != "" || rationalizer == nil {
		return result, nil
	}

	items := make([]interfaces.RationaleItem, 0, len(result.Items))
	for _, it := range result.Items {
		name := it.AdapterID
		if nameByAdapterID != nil {
			if n := nameByAdapterID(it.AdapterID); n != "" {
				name = n
			}
		}
		items = append(items, interfaces.RationaleItem{AdapterID: it.AdapterID, Name: name, Score: it.Score})
	}

	rationale, rerr := rationalizer.Explain(ctx, promptOrTarget, items)
	if rerr != nil {
		c.logger.Debug().Err(rerr).Msg("recommendation rationale generation failed, degrading to empty rationale")
		return result, nil
	}

	result.Rationale = rationale
	fp := req.Fingerprint()
	c.mu.Lock()
	if e, ok := c.entries.Get(fp); ok {
		e.value.Rationale = rationale
	}
	c.mu.Unlock()
	return result, nil
}

// Invalidate removes every cached entry matching predicate — used when
// an adapter's definition changes and previously cached similarity
// results may no longer be accurate.
func (c *Cache) Invalidate(predicate func(req models.RecommendationRequest, value models.RecommendationResult) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if !ok {
			continue
		}
		// The cache only keys by fingerprint, so predicate is applied
		// against the stored value only; callers that need to match on
		// request fields should fold them into the fingerprint.
		if predicate(models.RecommendationRequest{}, e.value) {
			c.entries.Remove(key)
		}
	}
}

func (c *Cache) store(fp string, value models.RecommendationResult) {
	value.CachedAt = time.Now()
	size := estimateSize(value)

	c.mu.Lock()
	defer c.mu.Unlock()

	// Replacing an existing key does not fire onEvict, so drop the old
	// entry's size here.
	if old, ok := c.entries.Peek(fp); ok {
		c.currentBytes -= old.sizeBytes
	}
	c.entries.Add(fp, &entry{value: value, builtAt: value.CachedAt, sizeBytes: size})
	c.currentBytes += size

	// Soft byte budget: evict oldest entries (by LRU recency, not
	// build time) until under budget. In-flight entries can't appear
	// here since store() only runs after compute() has already
	// returned.
	for c.currentBytes > c.maxBytes {
		if _, _, ok := c.entries.RemoveOldest(); !ok {
			break
		}
	}
}

func estimateSize(value models.RecommendationResult) int64 {
	const perItem = 48
	return int64(len(value.Items)*perItem + len(value.Rationale))
}
