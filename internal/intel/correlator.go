// Package intel correlates telemetry values against the threat indicator
// inventory.
//
// Matching policy (stable, since it gates a high-severity risk factor):
// IP and HASH lookups are exact. DOMAIN lookups are exact or dot-boundary
// suffix matches, so "mail.evil.com" matches an indicator for "evil.com"
// but "notevil.com" does not. URL lookups are exact after trailing-slash
// stripping. Domains and URLs are compared lowercased; hashes lowercased;
// IPs verbatim.
package intel

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/threatlens/threatlens/internal/model"
	"github.com/threatlens/threatlens/internal/store"
)

// Correlator performs indicator lookups with a look-aside cache. A miss
// is a normal negative result, never an error.
type Correlator struct {
	store  *store.Store
	redis  *redis.Client
	logger *zap.Logger
	local  *localCache
	ttl    time.Duration
}

// NewCorrelator creates a correlator. redisClient may be nil, in which
// case only the in-process cache is used.
func NewCorrelator(s *store.Store, redisClient *redis.Client, ttl time.Duration, logger *zap.Logger) *Correlator {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Correlator{
		store:  s,
		redis:  redisClient,
		logger: logger,
		local:  newLocalCache(ttl),
		ttl:    ttl,
	}
}

// Match looks up a value against the indicator inventory. The boolean
// reports whether an indicator matched.
func (c *Correlator) Match(ctx context.Context, value string, typ model.IndicatorType) (model.ThreatIndicator, bool) {
	value = normalize(value, typ)
	if value == "" {
		return model.ThreatIndicator{}, false
	}

	cacheKey := string(typ) + ":" + value
	if ind, negative, ok := c.cacheGet(ctx, cacheKey); ok {
		if negative {
			return model.ThreatIndicator{}, false
		}
		return ind, true
	}

	ind, found := c.lookup(value, typ)
	c.cacheSet(ctx, cacheKey, ind, !found)
	return ind, found
}

// lookup performs the uncached match against the store.
func (c *Correlator) lookup(value string, typ model.IndicatorType) (model.ThreatIndicator, bool) {
	if ind, ok := c.store.Indicator(value, typ); ok {
		return ind, true
	}

	if typ == model.IndicatorDomain {
		// Walk parent domains on dot boundaries.
		rest := value
		for {
			i := strings.Index(rest, ".")
			if i < 0 {
				break
			}
			rest = rest[i+1:]
			if !strings.Contains(rest, ".") {
				// Never match a bare TLD.
				break
			}
			if ind, ok := c.store.Indicator(rest, typ); ok {
				return ind, true
			}
		}
	}

	return model.ThreatIndicator{}, false
}

func normalize(value string, typ model.IndicatorType) string {
	value = strings.TrimSpace(value)
	switch typ {
	case model.IndicatorDomain, model.IndicatorHash:
		return strings.ToLower(value)
	case model.IndicatorURL:
		return strings.TrimSuffix(strings.ToLower(value), "/")
	default:
		return value
	}
}

// cachedMatch is the Redis cache payload. Negative results are cached
// too, matching store contents until the TTL lapses.
type cachedMatch struct {
	Indicator model.ThreatIndicator `json:"indicator"`
	Negative  bool                  `json:"negative"`
}

func (c *Correlator) cacheGet(ctx context.Context, key string) (model.ThreatIndicator, bool, bool) {
	if c.redis != nil {
		data, err := c.redis.Get(ctx, "threatlens:intel:"+key).Bytes()
		if err == nil {
			var m cachedMatch
			if json.Unmarshal(data, &m) == nil {
				return m.Indicator, m.Negative, true
			}
		} else if err != redis.Nil {
			c.logger.Debug("intel cache read failed, falling back to local", zap.Error(err))
		}
	}
	return c.local.get(key)
}

func (c *Correlator) cacheSet(ctx context.Context, key string, ind model.ThreatIndicator, negative bool) {
	if c.redis != nil {
		data, err := json.Marshal(cachedMatch{Indicator: ind, Negative: negative})
		if err == nil {
			if err := c.redis.Set(ctx, "threatlens:intel:"+key, data, c.ttl).Err(); err != nil {
				c.logger.Debug("intel cache write failed", zap.Error(err))
			}
		}
	}
	c.local.set(key, ind, negative)
}

// Invalidate drops all cached lookups. Called after indicator ingestion
// so new intel takes effect immediately.
func (c *Correlator) Invalidate(ctx context.Context) {
	c.local.reset()
	if c.redis != nil {
		iter := c.redis.Scan(ctx, 0, "threatlens:intel:*", 0).Iterator()
		for iter.Next(ctx) {
			c.redis.Del(ctx, iter.Val())
		}
		if err := iter.Err(); err != nil {
			c.logger.Debug("intel cache invalidation failed", zap.Error(err))
		}
	}
}

// localCache is a thread-safe in-process fallback cache.
type localCache struct {
	mu      sync.RWMutex
	entries map[string]localEntry
	ttl     time.Duration
}

type localEntry struct {
	indicator model.ThreatIndicator
	negative  bool
	expiresAt time.Time
}

func newLocalCache(ttl time.Duration) *localCache {
	return &localCache{
		entries: make(map[string]localEntry),
		ttl:     ttl,
	}
}

func (c *localCache) get(key string) (model.ThreatIndicator, bool, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok || time.Now().After(e.expiresAt) {
		return model.ThreatIndicator{}, false, false
	}
	return e.indicator, e.negative, true
}

func (c *localCache) set(key string, ind model.ThreatIndicator, negative bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = localEntry{
		indicator: ind,
		negative:  negative,
		expiresAt: time.Now().Add(c.ttl),
	}
}

func (c *localCache) reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]localEntry)
}
