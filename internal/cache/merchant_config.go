// Package cache holds the read-through merchant configuration cache used by the router.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/c50bossio/hybrid-payments/internal/model"
)

const (
	MaxTTL = 60 * time.Second
	// InvalidationChannel fans invalidations out to every instance.
	InvalidationChannel = "merchant-config:invalidate"
)

type Loader interface {
	GetMerchantConfig(ctx context.Context, merchantID string) (*model.MerchantPaymentConfig, error)
}

type entry struct {
	cfg       model.MerchantPaymentConfig
	expiresAt time.Time
}

// MerchantConfigCache is keyed by merchant id. Concurrent misses for the same merchant
// share one load; callers always receive a private copy.
type MerchantConfigCache struct {
	loader Loader
	ttl    time.Duration
	rdb    redis.UniversalClient
	now    func() time.Time

	mu      sync.RWMutex
	entries map[string]entry
	gen     uint64
	group   singleflight.Group
}

// New clamps ttl to (0, MaxTTL]. rdb may be nil for a single instance.
func New(loader Loader, ttl time.Duration, rdb redis.UniversalClient) *MerchantConfigCache {
	if ttl <= 0 || ttl > MaxTTL {
		ttl = MaxTTL
	}
	return &MerchantConfigCache{
		loader:  loader,
		ttl:     ttl,
		rdb:     rdb,
		now:     time.Now,
		entries: make(map[string]entry),
	}
}

func (c *MerchantConfigCache) Get(ctx context.Context, merchantID string) (*model.MerchantPaymentConfig, error) {
	c.mu.RLock()
	e, ok := c.entries[merchantID]
	c.mu.RUnlock()
	if ok && c.now().Before(e.expiresAt) {
		cfg := e.cfg
		return &cfg, nil
	}

	v, err, _ := c.group.Do(merchantID, func() (interface{}, error) {
		c.mu.RLock()
		gen := c.gen
		c.mu.RUnlock()

		cfg, err := c.loader.GetMerchantConfig(ctx, merchantID)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		// An invalidation that raced the load wins; the next read reloads.
		if c.gen == gen {
			c.entries[merchantID] = entry{cfg: *cfg, expiresAt: c.now().Add(c.ttl)}
		}
		c.mu.Unlock()
		return *cfg, nil
	})
	if err != nil {
		return nil, err
	}
	cfg := v.(model.MerchantPaymentConfig)
	return &cfg, nil
}

// Invalidate drops the local entry and tells the other instances to do the same.
func (c *MerchantConfigCache) Invalidate(ctx context.Context, merchantID string) error {
	c.drop(merchantID)
	if c.rdb == nil {
		return nil
	}
	return c.rdb.Publish(ctx, InvalidationChannel, merchantID).Err()
}

func (c *MerchantConfigCache) drop(merchantID string) {
	c.mu.Lock()
	delete(c.entries, merchantID)
	c.gen++
	c.mu.Unlock()
	c.group.Forget(merchantID)
}

// Listen applies invalidations published by other instances until ctx is done.
func (c *MerchantConfigCache) Listen(ctx context.Context) error {
	if c.rdb == nil {
		<-ctx.Done()
		return nil
	}
	sub := c.rdb.Subscribe(ctx, InvalidationChannel)
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			log.Debug().Str("merchant_id", msg.Payload).Msg("merchant config invalidated")
			c.drop(msg.Payload)
		}
	}
}
