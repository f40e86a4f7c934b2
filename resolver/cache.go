package resolver

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"github.com/ammoindex/datafeed/model"
	"github.com/ammoindex/datafeed/store"
)

// Pub/sub channels admin mutations publish to. Alias messages trigger a
// full alias-map rebuild; trust messages carry the sourceID to drop.
const (
	AliasInvalidateChannel = "brand-alias-invalidate"
	TrustInvalidateChannel = "source-trust-invalidate"
)

const (
	trustCacheTTL  = time.Minute
	trustCacheSize = 100
	aliasRefresh   = time.Minute
)

// TrustStore is the slice of the store the trust cache reads.
type TrustStore interface {
	TrustConfig(ctx context.Context, sourceID string) (*model.SourceTrustConfig, error)
}

// TrustCache is a TTL'd per-source view of identifier trust. A miss on an
// absent row yields the untrusted zero config, version 0.
type TrustCache struct {
	store TrustStore
	redis *redis.Client
	cache *expirable.LRU[string, model.SourceTrustConfig]
}

func NewTrustCache(ts TrustStore, rdb *redis.Client) *TrustCache {
	return &TrustCache{
		store: ts,
		redis: rdb,
		cache: expirable.NewLRU[string, model.SourceTrustConfig](trustCacheSize, nil, trustCacheTTL),
	}
}

// Get returns the source's trust config, loading through on a miss.
func (c *TrustCache) Get(ctx context.Context, sourceID string) (model.SourceTrustConfig, error) {
	if cfg, ok := c.cache.Get(sourceID); ok {
		return cfg, nil
	}
	var cfg, err = c.store.TrustConfig(ctx, sourceID)
	if errors.Is(err, store.ErrNotFound) {
		cfg = &model.SourceTrustConfig{SourceID: sourceID}
	} else if err != nil {
		return model.SourceTrustConfig{}, err
	}
	c.cache.Add(sourceID, *cfg)
	return *cfg, nil
}

// Invalidate drops one source's cached config (admin trust update).
func (c *TrustCache) Invalidate(sourceID string) {
	c.cache.Remove(sourceID)
}

// Purge drops the whole cache (admin operation).
func (c *TrustCache) Purge() {
	c.cache.Purge()
}

// Run listens for trust invalidation messages, reconnecting with
// exponential backoff on subscription failure. It returns when ctx is
// done, immediately when no Redis client is configured.
func (c *TrustCache) Run(ctx context.Context) error {
	if c.redis == nil {
		return nil
	}
	var bo = backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // Retry forever.

	for ctx.Err() == nil {
		var sub = c.redis.Subscribe(ctx, TrustInvalidateChannel)
		var ch = sub.Channel()

	recv:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return nil
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				bo.Reset()
				c.Invalidate(msg.Payload)
			}
		}
		sub.Close()

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(bo.NextBackOff()):
		}
	}
	return nil
}

// AliasStore is the slice of the store the alias cache reads.
type AliasStore interface {
	BrandAliases(ctx context.Context) ([]model.BrandAlias, error)
	IncrementBrandAliasHit(ctx context.Context, id int64) error
}

// AliasCache holds the full brand-alias map. It rebuilds on a fixed
// interval and on pub/sub invalidation; readers always see a consistent
// snapshot.
type AliasCache struct {
	store AliasStore
	redis *redis.Client

	mu     sync.RWMutex
	byFrom map[string]model.BrandAlias
}

func NewAliasCache(as AliasStore, rdb *redis.Client) *AliasCache {
	return &AliasCache{store: as, redis: rdb, byFrom: map[string]model.BrandAlias{}}
}

// Resolve maps a normalized brand through the alias table. When an alias
// applies, the hit counter is bumped fire-and-forget: a failed write is
// warn-logged and never affects resolution.
func (c *AliasCache) Resolve(brandNorm string) (resolved string, aliasApplied bool, aliasID int64) {
	c.mu.RLock()
	var alias, ok = c.byFrom[brandNorm]
	c.mu.RUnlock()

	if !ok {
		return brandNorm, false, 0
	}
	go func() {
		var ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := c.store.IncrementBrandAliasHit(ctx, alias.ID); err != nil {
			log.WithField("aliasId", alias.ID).WithError(err).Warn("failed to record brand alias hit")
		}
	}()
	return alias.ToNorm, true, alias.ID
}

// Refresh rebuilds the alias map from the store.
func (c *AliasCache) Refresh(ctx context.Context) error {
	var aliases, err = c.store.BrandAliases(ctx)
	if err != nil {
		return err
	}
	var next = make(map[string]model.BrandAlias, len(aliases))
	for _, a := range aliases {
		next[a.FromNorm] = a
	}
	c.mu.Lock()
	c.byFrom = next
	c.mu.Unlock()
	return nil
}

// Run drives the periodic rebuild and, when a Redis client is configured,
// the pub/sub invalidation listener. It returns when ctx is done.
func (c *AliasCache) Run(ctx context.Context) error {
	if err := c.Refresh(ctx); err != nil {
		log.WithError(err).Warn("initial brand alias refresh failed")
	}
	if c.redis != nil {
		go c.subscribeLoop(ctx)
	}

	var ticker = time.NewTicker(aliasRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := c.Refresh(ctx); err != nil {
				log.WithError(err).Warn("periodic brand alias refresh failed")
			}
		}
	}
}

// subscribeLoop listens for invalidation messages, reconnecting with
// exponential backoff on subscription failure.
func (c *AliasCache) subscribeLoop(ctx context.Context) {
	var bo = backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // Retry forever.

	for ctx.Err() == nil {
		var sub = c.redis.Subscribe(ctx, AliasInvalidateChannel)
		var ch = sub.Channel()

	recv:
		for {
			select {
			case <-ctx.Done():
				sub.Close()
				return
			case _, ok := <-ch:
				if !ok {
					break recv
				}
				bo.Reset()
				if err := c.Refresh(ctx); err != nil {
					log.WithError(err).Warn("brand alias refresh on invalidation failed")
				}
			}
		}
		sub.Close()

		select {
		case <-ctx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
	}
}
